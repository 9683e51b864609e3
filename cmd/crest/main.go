// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"os"

	"github.com/crestdb/crest/tool"
)

func main() {
	t := tool.New()
	if err := t.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
