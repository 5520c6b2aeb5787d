// SPDX-License-Identifier: Apache-2.0

// Package main prints what a live base reports about itself.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/communication/pdu"
	"github.com/hammerd/hammerd-api-go/communication/usb"
	"github.com/hammerd/hammerd-api-go/util/config"
	"github.com/hammerd/hammerd-api-go/util/logging"
)

var (
	configFile = flag.String("config", "", "YAML configuration, defaults to a hammer base")
	imageFile  = flag.String("image", "", "EC image to compare with, optional")
)

var protectionFlags = []struct {
	bit  uint32
	name string
}{
	{pdu.FlashProtectROAtBoot, "ro_at_boot"},
	{pdu.FlashProtectRONow, "ro_now"},
	{pdu.FlashProtectAllNow, "all_now"},
	{pdu.FlashProtectGPIOAsserted, "gpio_asserted"},
	{pdu.FlashProtectErrorStuck, "error_stuck"},
	{pdu.FlashProtectErrorUnknown, "error_unknown"},
	{pdu.FlashProtectAllAtBoot, "all_at_boot"},
	{pdu.FlashProtectRWAtBoot, "rw_at_boot"},
	{pdu.FlashProtectRWNow, "rw_now"},
	{pdu.FlashProtectRollbackAtBoot, "rollback_at_boot"},
	{pdu.FlashProtectRollbackNow, "rollback_now"},
}

func main() {
	flag.Parse()
	defer glog.Flush()
	if err := run(); err != nil {
		glog.Errorf("%+v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}

	present, err := usb.Present(cfg.Device.VendorID, cfg.Device.ProductID)
	if err != nil {
		glog.Warningf("HID probe: %v", err)
	} else {
		fmt.Printf("Base %04x:%04x attached: %v\n", cfg.Device.VendorID, cfg.Device.ProductID, present)
	}

	updater := firmware.NewUpdaterFromConfig(cfg, logging.Glog{})
	if *imageFile != "" {
		image, err := os.ReadFile(*imageFile)
		if err != nil {
			return err
		}
		if err := updater.LoadEcImage(image); err != nil {
			return err
		}
	}
	if err := updater.TryConnectUsb(); err != nil {
		return err
	}
	defer updater.CloseUsb()
	fmt.Printf("Configuration: %q, chunk length %d\n",
		updater.Endpoint().ConfigurationString(), updater.Endpoint().ChunkLength())
	if err := updater.SendFirstPdu(); err != nil {
		return err
	}

	response, err := updater.GetFirstResponsePdu()
	if err != nil {
		return err
	}
	fmt.Printf("Header type:      %d\n", response.HeaderType)
	fmt.Printf("Protocol version: %d\n", response.ProtocolVersion)
	fmt.Printf("Maximum PDU size: %d\n", response.MaximumPDUSize)
	fmt.Printf("Writable offset:  %#x\n", response.Offset)
	fmt.Printf("Min rollback:     %d\n", response.MinRollback)
	fmt.Printf("Key version:      %d\n", response.KeyVersion)
	fmt.Printf("Flash protection: %#x", response.FlashProtection)
	for _, protection := range protectionFlags {
		if response.FlashProtection&protection.bit != 0 {
			fmt.Print(" ", protection.name)
		}
	}
	fmt.Println()
	fmt.Printf("Running:          %s\n", updater.CurrentSection())
	for _, section := range common.Sections {
		version, err := updater.GetSectionVersion(section)
		if err != nil {
			version = "unknown"
		}
		fmt.Printf("%s version:       %s", section, version)
		if updater.Image() != nil && updater.VersionMismatch(section) {
			fmt.Print(" (differs from image)")
		}
		fmt.Println()
	}
	if updater.Image() != nil {
		fmt.Printf("Image key valid:  %v\n", updater.ValidKey())
		fmt.Printf("Image rollback:   %+d\n", updater.CompareRollback())
	}
	return nil
}
