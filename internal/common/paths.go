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

package common

import "strings"

// RelPath strips leading and trailing slashes from a mount-relative path.
// Unlike filepath.Clean it leaves ".." and "." components alone; resolving
// them is the remote store's business.
func RelPath(path string) string {
	path = strings.TrimLeft(path, "/")
	path = strings.TrimRight(path, "/")
	return path
}

// JoinRoot joins a root directory and a mount-relative path by plain
// concatenation.
func JoinRoot(root, rel string) string {
	rel = RelPath(rel)
	root = strings.TrimRight(root, "/")
	if rel == "" {
		if root == "" {
			return "/"
		}
		return root
	}
	return root + "/" + rel
}
