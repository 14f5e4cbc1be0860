// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Command sentinelproxy is the composition root wiring configuration,
// agent pools, the in-process geo and masking filters, and the filter
// pipeline into a runnable demo server. It exercises the full processing
// plane against plain net/http rather than a production listener (the
// TLS terminator and HTTP/1.1-HTTP/3 parsing layer are someone else's
// problem), the same scope tfd-proxy keeps for its own domain.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
