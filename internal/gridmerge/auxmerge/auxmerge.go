// Package auxmerge merges the auxiliary output shards of a projection with an external tool.
package auxmerge

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/G-Research/gridmerge/internal/common/griderrors"
)

const DefaultCommand = "hadd"

// Merger runs "<command> -f <destination> <shards...>" and removes the shards once the command succeeds.
type Merger struct {
	command string
}

// NewMerger returns a Merger running command, or DefaultCommand if command is empty.
func NewMerger(command string) *Merger {
	if command == "" {
		command = DefaultCommand
	}
	return &Merger{command: command}
}

func (m *Merger) Merge(ctx context.Context, destination string, shardPrefix string) error {
	shards, err := zglob.Glob(shardPrefix + "*")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to list shards %s*", shardPrefix)
	}
	if len(shards) == 0 {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "aux shards", Value: shardPrefix + "*"})
	}

	slices.Sort(shards)

	args := append([]string{"-f", destination}, shards...)
	cmd := exec.CommandContext(ctx, m.command, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "%s %s failed: %s", m.command, strings.Join(args, " "), strings.TrimSpace(string(output)))
	}

	var result *multierror.Error
	for _, shard := range shards {
		if err := os.Remove(shard); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	return result.ErrorOrNil()
}
