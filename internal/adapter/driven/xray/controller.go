package xray

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ericfisherdev/vpnpanel/internal/domain/engineconf"
	"github.com/ericfisherdev/vpnpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EngineController = (*Controller)(nil)

// Controller applies inbound changes to the running engine with
// `xray api adi` and `xray api rmi`.
type Controller struct {
	bin    string
	server string
	runner Runner
	tmpDir string
	logger *slog.Logger
}

// NewController creates a Controller that talks to the control API at server.
func NewController(bin, server string, runner Runner, logger *slog.Logger) *Controller {
	return &Controller{
		bin:    bin,
		server: server,
		runner: runner,
		logger: logger,
	}
}

// AddInbound writes a single-inbound fragment to a temporary file and hands
// it to the engine.
func (c *Controller) AddInbound(ctx context.Context, inbound engineconf.Inbound) error {
	frag, err := engineconf.Fragment(inbound)
	if err != nil {
		return fmt.Errorf("add inbound %s: %w: %w", inbound.Tag, driven.ErrLiveApply, err)
	}

	f, err := os.CreateTemp(c.tmpDir, "inbound-*.json")
	if err != nil {
		return fmt.Errorf("add inbound %s: %w: create fragment: %w", inbound.Tag, driven.ErrLiveApply, err)
	}
	defer os.Remove(f.Name()) //nolint:errcheck // best-effort cleanup

	if _, err := f.Write(frag); err != nil {
		_ = f.Close()
		return fmt.Errorf("add inbound %s: %w: write fragment: %w", inbound.Tag, driven.ErrLiveApply, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("add inbound %s: %w: close fragment: %w", inbound.Tag, driven.ErrLiveApply, err)
	}

	if _, err := c.runner.Run(ctx, c.bin, "api", "adi", "--server="+c.server, f.Name()); err != nil {
		return fmt.Errorf("add inbound %s: %w: %w", inbound.Tag, driven.ErrLiveApply, err)
	}

	c.logger.Info("inbound added to engine", "tag", inbound.Tag, "port", inbound.Port)
	return nil
}

// RemoveInbound removes tag from the engine. An inbound the engine does not
// know about counts as removed.
func (c *Controller) RemoveInbound(ctx context.Context, tag string) error {
	_, err := c.runner.Run(ctx, c.bin, "api", "rmi", "--server="+c.server, tag)
	if err != nil {
		if isNotFound(err) {
			c.logger.Debug("inbound already absent from engine", "tag", tag)
			return nil
		}
		return fmt.Errorf("remove inbound %s: %w: %w", tag, driven.ErrLiveApply, err)
	}

	c.logger.Info("inbound removed from engine", "tag", tag)
	return nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "not exist")
}
