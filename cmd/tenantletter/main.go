// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command tenantletter runs the tenant letter wizard.
//
// # Commands
//
//	serve     Web wizard, optionally with the letter API in the same process
//	api       Letter API: text generation, PDF rendering and challenges
//	terminal  The same wizard as an interactive terminal program
//	config    Print the effective configuration
//
// # Environment Variables
//
//	TENANTLETTER_*   Overrides for config.yaml keys, e.g. TENANTLETTER_STORE=redis
//	OPENAI_API_KEY   Key for the openai provider
//
// Variables may also come from a .env file in the working directory.
//
// # Usage
//
//	tenantletter serve --config config.yaml --with-api
//	tenantletter api
//	tenantletter terminal --out ~/Documents
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if current != nil {
		current.close()
	}
	if err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
