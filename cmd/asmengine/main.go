// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command asmengine runs abstract state machines.
//
// Usage:
//
//	asmengine validate machines/counter.yaml
//	asmengine run --machine machines/counter.yaml --dump
//	asmengine serve --config configs/asm.yaml
//
// Example requests against serve:
//
//	curl -X POST http://127.0.0.1:8089/v1/step
//	curl -X POST http://127.0.0.1:8089/v1/run -d '{"steps": 10}'
//	curl http://127.0.0.1:8089/v1/history?limit=5 | jq
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
