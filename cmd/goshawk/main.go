// Copyright 2023 The goshawk Authors
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

package main

import (
	"fmt"
	"os"

	"github.com/goshawk-im/goshawk/pkg/goshawk"
)

func main() {
	g := goshawk.New(os.Stdout, os.Args)
	if err := g.Run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "goshawk: %v\n", err)
		os.Exit(1)
	}
}
