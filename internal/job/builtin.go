package job

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

const (
	TypeGo    = "GO_JOB"
	TypeShell = "SHELL_JOB"

	maxShellMessage = 1024
)

// FuncType returns a constructor for jobs whose items run fn.
func FuncType(fn ItemFunc) Constructor {
	return func(jc Context) (Job, error) {
		if fn == nil {
			return nil, errors.New("item func is nil")
		}
		return NewBase(jc, fn), nil
	}
}

// ShellType returns a constructor for jobs whose items run a command line:
// the item parameter, or the job parameter when the item has none.
func ShellType() Constructor {
	return func(jc Context) (Job, error) {
		return NewBase(jc, runShell), nil
	}
}

// RegisterBuiltins registers SHELL_JOB and, when fn is not nil, GO_JOB.
func RegisterBuiltins(f *Factory, fn ItemFunc) error {
	if err := f.Register(TypeShell, ShellType()); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return f.Register(TypeGo, FuncType(fn))
}

func runShell(ctx context.Context, sc *ShardContext) (string, error) {
	line := strings.TrimSpace(sc.Param)
	if line == "" {
		line = strings.TrimSpace(sc.JobParameter)
	}
	if line == "" {
		return "", errors.Newf("item %d: no command", sc.Item)
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return "", errors.Wrapf(err, "item %d: parse command", sc.Item)
	}
	if len(args) == 0 {
		return "", errors.Newf("item %d: empty command", sc.Item)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(cmd.Environ(),
		"SHARDEX_JOB="+sc.JobName,
		"SHARDEX_ITEM="+strconv.Itoa(sc.Item),
		"SHARDEX_EXECUTION_ID="+sc.ExecutionID,
	)
	err = cmd.Run()
	msg := strings.TrimSpace(out.String())
	if len(msg) > maxShellMessage {
		msg = msg[:maxShellMessage]
	}
	if err != nil {
		return msg, errors.Wrapf(err, "item %d: %s", sc.Item, args[0])
	}
	return msg, nil
}
