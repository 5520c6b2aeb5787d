// SPDX-License-Identifier: Apache-2.0

// Package main walks a live base through an update session: it reads the EC versions, challenges
// the base and injects all-zero entropy.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/hammerd/hammerd-api-go/api/common"
	"github.com/hammerd/hammerd-api-go/api/entropy"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/api/pair"
	"github.com/hammerd/hammerd-api-go/util/config"
	"github.com/hammerd/hammerd-api-go/util/logging"
	"github.com/schollz/progressbar/v3"
)

var (
	configFile = flag.String("config", "", "YAML configuration, defaults to a hammer base")
	imageFile  = flag.String("image", "", "EC image, overrides the configuration")
	transfer   = flag.Bool("transfer", false, "write the writable section before finishing the session")
)

func errpanic(err error) {
	if err != nil {
		glog.Exitf("%+v", err)
	}
}

func loadConfig() *config.Config {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		errpanic(err)
	}
	if *imageFile != "" {
		cfg.Image = *imageFile
	}
	return cfg
}

func progressCallback() func(*firmware.Status) {
	var bar *progressbar.ProgressBar
	var section common.SectionName
	return func(status *firmware.Status) {
		if status.State != firmware.StateTransferring {
			return
		}
		if bar == nil || section != status.Section {
			section = status.Section
			bar = progressbar.NewOptions(100,
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Writing "+section.String()),
				progressbar.OptionOnCompletion(func() { fmt.Println() }),
			)
		}
		_ = bar.Set(int(status.Progress * 100))
	}
}

func main() {
	flag.Parse()
	defer glog.Flush()
	cfg := loadConfig()
	logger := logging.Glog{}

	updater := firmware.NewUpdaterFromConfig(cfg, logger, firmware.WithStatusCallback(progressCallback()))
	image, err := os.ReadFile(cfg.Image)
	errpanic(err)
	errpanic(updater.LoadEcImage(image))

	// check closes the session before exiting.
	check := func(err error) {
		if err != nil {
			updater.CloseUsb()
			errpanic(err)
		}
	}

	fmt.Println("Connect to base EC.")
	check(updater.TryConnectUsb())
	check(updater.SendFirstPdu())
	if *transfer {
		check(updater.TransferImage(updater.CurrentSection().Other()))
	}
	check(updater.SendDone())

	fmt.Println("EC information:")
	response, err := updater.GetFirstResponsePdu()
	check(err)
	fmt.Printf("PDU Response: %x\n", response.Contents())
	for _, section := range common.Sections {
		version, err := updater.GetSectionVersion(section)
		if err != nil {
			fmt.Printf("%s: unknown (%v)\n", section, err)
			continue
		}
		fmt.Printf("%s: %s\n", section, version)
	}

	fmt.Println("Send pairing challenge.")
	status, err := pair.NewManager(logger).PairChallenge(updater)
	if err != nil {
		glog.Warningf("Pair challenge: %v", err)
	}
	fmt.Printf("Challenge status: %s\n", status)

	fmt.Println("Jump back to RO.")
	check(updater.SendSubcommand(common.ImmediateReset))
	updater.CloseUsb()

	fmt.Println("Inject all-zero entropy.")
	time.Sleep(cfg.ResetDelay)
	check(updater.TryConnectUsb())
	check(updater.SendFirstPdu())
	check(updater.SendSubcommand(common.StayInRO))
	err = entropy.NewInjector(updater, logger).InjectEntropyWithPayload(make([]byte, entropy.Size))
	updater.CloseUsb()
	errpanic(err)
	fmt.Println("Done.")
}
