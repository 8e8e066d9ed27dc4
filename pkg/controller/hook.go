package controller

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

// PrepareRequest asks for the model configuration of one run directory.
type PrepareRequest struct {
	Unit      runstate.WorkUnit
	RunDir    string
	DomainDir string
	// Begin is the effective start: the stage begin on a first submission,
	// the last reached timestep on a restart.
	Begin   time.Time
	End     time.Time
	Restart bool
}

// Configurer generates model configuration before a model submission.
// Namelist generation itself lives outside this program.
type Configurer interface {
	Prepare(ctx context.Context, req PrepareRequest) error
}

// NopConfigurer is used when no preparation hook is configured.
type NopConfigurer struct{}

func (NopConfigurer) Prepare(context.Context, PrepareRequest) error { return nil }

// HookConfigurer runs an external command with the request in its environment.
type HookConfigurer struct {
	Command string
	Timeout time.Duration
	Logger  *zap.Logger
}

const hookTimeLayout = "2006-01-02T15:04:05Z"

func (h HookConfigurer) Prepare(ctx context.Context, req PrepareRequest) error {
	command := strings.TrimSpace(h.Command)
	if command == "" {
		return nil
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	if err := os.MkdirAll(req.RunDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	// #nosec G204 -- the hook command is operator configuration
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = req.RunDir
	cmd.Env = append(os.Environ(), hookEnv(req)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("prepare hook for %s: %w: %s", req.Unit, err, tail(stderr.String(), 512))
	}
	if h.Logger != nil {
		h.Logger.Debug("prepare hook finished",
			zap.String("unit", req.Unit.String()),
			zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

func hookEnv(req PrepareRequest) []string {
	restart := "0"
	if req.Restart {
		restart = "1"
	}
	return []string{
		"HYDROCAL_BASIN=" + req.Unit.Basin,
		"HYDROCAL_DOMAIN_ID=" + strconv.Itoa(req.Unit.DomainID),
		"HYDROCAL_ITERATION=" + strconv.Itoa(req.Unit.Iteration),
		"HYDROCAL_STAGE=" + req.Unit.Stage.String(),
		"HYDROCAL_RUN_DIR=" + req.RunDir,
		"HYDROCAL_DOMAIN_DIR=" + req.DomainDir,
		"HYDROCAL_BEGIN=" + req.Begin.UTC().Format(hookTimeLayout),
		"HYDROCAL_END=" + req.End.UTC().Format(hookTimeLayout),
		"HYDROCAL_RESTART=" + restart,
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
