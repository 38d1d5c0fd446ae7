// Copyright 2024 NASCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides in-memory caches for the nascache filesystem layer.
//
// Currently provides:
// - AttrCache: TTL-based cache of remote file attributes with invalidation by path
package cache

import "os"

// Disabled turns off in-memory caching. Set via NASCACHE_ATTR_CACHE=0.
// When true AttrCache.Get always misses and AttrCache.Set is a no-op.
// Block caching on disk is unaffected.
var Disabled = os.Getenv("NASCACHE_ATTR_CACHE") == "0"
