// SPDX-License-Identifier: Apache-2.0

// Package main updates an attached base to the configured EC image and pairs with it.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/hammerd/hammerd-api-go/api/firmware"
	"github.com/hammerd/hammerd-api-go/api/hammer"
	"github.com/hammerd/hammerd-api-go/util/config"
	"github.com/hammerd/hammerd-api-go/util/errp"
	"github.com/hammerd/hammerd-api-go/util/logging"
	"github.com/hammerd/hammerd-api-go/util/trace"
)

var (
	configFile = flag.String("config", "", "YAML configuration, defaults to a hammer base")
	imageFile  = flag.String("image", "", "EC image, overrides the configuration")
	tracePath  = flag.String("trace", "", "CBOR transcript file, overrides the configuration")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		glog.Errorf("%+v", err)
		glog.Flush()
		os.Exit(1)
	}
	glog.Info("The base is up to date")
	glog.Flush()
}

func run() error {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}
	if *imageFile != "" {
		cfg.Image = *imageFile
	}
	if *tracePath != "" {
		cfg.TracePath = *tracePath
	}
	image, err := os.ReadFile(cfg.Image)
	if err != nil {
		return errp.WithMessage(errp.WithStack(err), "failed to read the EC image")
	}

	logger := logging.Glog{}
	var endpoint firmware.Endpoint = firmware.EndpointFromConfig(cfg, logger)
	if cfg.TracePath != "" {
		file, err := os.Create(cfg.TracePath)
		if err != nil {
			return errp.WithMessage(errp.WithStack(err), "failed to create the trace")
		}
		defer file.Close()
		recorder := trace.NewRecorder(file)
		glog.Infof("Tracing session %s to %s", recorder.Session(), cfg.TracePath)
		endpoint = trace.Wrap(endpoint, recorder)
		defer func() {
			if err := recorder.Err(); err != nil {
				glog.Warningf("The trace is incomplete: %v", err)
			}
		}()
	}
	updater := firmware.NewUpdaterWithEndpoint(endpoint, logger, firmware.WithConfig(cfg))
	return hammer.NewWithUpdater(updater, logger, hammer.WithConfig(cfg)).Run(image)
}
