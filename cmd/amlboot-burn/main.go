// amlboot-burn: Amlogic USB boot/burn driver
// Copyright (C) 2026  The amlboot authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"amlboot/internal/burn"
	"amlboot/internal/container/dircontainer"
)

var (
	imageDir  = flag.String("images", "", "directory holding the <main_type>_<sub_type> image files")
	reset     = flag.Bool("reset", true, "reboot the device once burning completes")
	eraseCode = flag.Int("erase", 0, "erase code passed to oem disk_initial")
)

func main() {
	flag.Parse()

	if *imageDir == "" {
		fmt.Fprintln(os.Stderr, "usage: amlboot-burn -images <dir> [-reset=true] [-erase N]")
		os.Exit(2)
	}

	images, err := dircontainer.Open(*imageDir)
	if err != nil {
		log.Fatalf("[ANDL] %v", err)
	}

	if err := burn.Run(burn.DefaultConfig(), *reset, *eraseCode, images); err != nil {
		log.Fatalf("[ANDL] burn failed: %v", err)
	}

	log.Printf("[ANDL] burn completed successfully")
}
