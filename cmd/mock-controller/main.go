package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/lcloud/internal/cfg"
	"github.com/e2b-dev/infra/packages/lcloud/internal/controller"
	"github.com/e2b-dev/infra/packages/lcloud/internal/logger"
)

const defaultDevices = "0:16x64,1:16x64,2:8x32,5:4x128"

func main() {
	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing config: %v\n", err)
		os.Exit(1)
	}

	address := flag.String("address", config.ControllerAddress, "listen address")
	devicesFlag := flag.String("devices", defaultDevices, "devices as id:SECTORSxBLOCKS, comma separated")
	backingFile := flag.String("backing-file", "", "file to keep block contents in, memory if empty")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loggerConfig := logger.FromConfig(config.LoggerConfig, logger.ComponentController)
	loggerConfig.ServiceName += "-mock-controller"

	l := zap.Must(logger.NewLogger(ctx, loggerConfig))
	defer l.Sync()
	zap.ReplaceGlobals(l)

	if err := run(ctx, *address, *devicesFlag, *backingFile); err != nil {
		zap.L().Error("mock controller failed", zap.Error(err))
		l.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, address, devicesFlag, backingFile string) error {
	devices, err := parseDevices(devicesFlag)
	if err != nil {
		return err
	}

	size := controller.StoreSize(devices)

	var store controller.Store
	if backingFile == "" {
		store = controller.NewMemoryStore(size)
	} else {
		store, err = controller.NewFileStore(backingFile, size)
		if err != nil {
			return err
		}
	}
	defer store.Close()

	server, err := controller.NewServer(devices, store, zap.L())
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", address, err)
	}

	zap.L().Info("serving devices", zap.String("address", ln.Addr().String()), zap.Int("devices", len(devices)))

	return server.Serve(ctx, ln)
}

// parseDevices reads "id:SECTORSxBLOCKS" entries.
func parseDevices(s string) ([]controller.Geometry, error) {
	var devices []controller.Geometry

	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, geometry, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("device %q: missing ':'", entry)
		}

		sectors, blocks, ok := strings.Cut(geometry, "x")
		if !ok {
			return nil, fmt.Errorf("device %q: geometry is not SECTORSxBLOCKS", entry)
		}

		did, err := strconv.ParseUint(id, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", entry, err)
		}

		sec, err := strconv.ParseUint(sectors, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", entry, err)
		}

		blk, err := strconv.ParseUint(blocks, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", entry, err)
		}

		devices = append(devices, controller.Geometry{ID: uint8(did), Sectors: uint16(sec), Blocks: uint16(blk)})
	}

	if len(devices) == 0 {
		return nil, errors.New("no devices configured")
	}

	return devices, nil
}
