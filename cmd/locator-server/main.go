// Package main runs the tagged-object locator service: camera frames in,
// object poses out over TCP.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/taglocator/camera"
	"github.com/viamrobotics/taglocator/config"
	"github.com/viamrobotics/taglocator/detector"
	"github.com/viamrobotics/taglocator/locator"
	"github.com/viamrobotics/taglocator/pipeline"
	"github.com/viamrobotics/taglocator/pnp"
	"github.com/viamrobotics/taglocator/server"
	"github.com/viamrobotics/taglocator/sim"
	"github.com/viamrobotics/taglocator/spatialmath"
	"github.com/viamrobotics/taglocator/tag"
)

var logger = golog.NewDevelopmentLogger("taglocator")

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"0,required,usage=service config file"`
	Simulate   bool   `flag:"simulate,usage=render frames from a simulated scene instead of a camera device"`
	SimFPS     int    `flag:"sim-fps,default=30,usage=simulated camera frames per second"`
}

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	cfg, err := config.Read(argsParsed.ConfigFile, logger)
	if err != nil {
		return err
	}
	return runLocator(ctx, cfg, argsParsed, logger)
}

func runLocator(ctx context.Context, cfg *config.Config, args Arguments, logger golog.Logger) error {
	intrinsics, err := cfg.Camera.Properties()
	if err != nil {
		return err
	}

	loc, err := locator.NewTaggedObjectLocator(intrinsics, pnp.NewGonumSolver(), logger)
	if err != nil {
		return err
	}
	objects := make([]*tag.Object, 0, len(cfg.Objects))
	for _, objCfg := range cfg.Objects {
		obj, err := objCfg.Object(logger)
		if err != nil {
			return err
		}
		if err := loc.Add(obj); err != nil {
			return err
		}
		objects = append(objects, obj)
	}

	source, det, err := buildFrontend(intrinsics, objects, args)
	if err != nil {
		return err
	}

	results := locator.NewResults()
	srv, err := server.New(cfg.Server.BindAddress, results, logger)
	if err != nil {
		return multierr.Combine(err, source.Close(ctx))
	}
	pipe, err := pipeline.New(source, det, loc, results, nil, logger)
	if err != nil {
		return multierr.Combine(err, srv.Close(), source.Close(ctx))
	}

	select {
	case <-ctx.Done():
	case <-pipe.Done():
	}
	// teardown finishes even though the signal context is gone
	err = pipe.Close(context.Background())
	return multierr.Combine(err, srv.Close(), source.Close(context.Background()))
}

// buildFrontend picks the frame source and detector pair for this run. Only
// the simulated scene is compiled into this build; real camera devices and
// marker detectors come from hardware-specific backends.
func buildFrontend(
	intrinsics *camera.Properties,
	objects []*tag.Object,
	args Arguments,
) (camera.FrameSource, detector.Detector, error) {
	if !args.Simulate {
		return nil, nil, errors.New("no camera device backend is compiled into this build; run with -simulate")
	}
	scene, err := sim.NewScene(intrinsics)
	if err != nil {
		return nil, nil, err
	}
	// line the objects up 3m out and let them drift gently across the view
	spread := 0.3 * float64(len(objects)-1)
	for i, obj := range objects {
		start := spatialmath.NewPose(r3.Vector{}, r3.Vector{X: 0.6*float64(i) - spread, Z: 3})
		if err := scene.Add(obj, sim.Drift(start, r3.Vector{X: 0.05})); err != nil {
			return nil, nil, err
		}
	}
	cam, err := sim.NewCamera(scene, float64(args.SimFPS), nil)
	if err != nil {
		return nil, nil, err
	}
	return cam, sim.NewDetector(scene), nil
}
