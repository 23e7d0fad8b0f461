package locker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// RunCommand runs argv to completion and returns its error, including its combined output when it
// fails. It is used for short helper commands such as turning off the display.
func RunCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 || argv[0] == "" {
		return errors.New("command is empty")
	}

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s failed: %w: %s", argv[0], err, out)
		}
		return fmt.Errorf("%s failed: %w", argv[0], err)
	}

	return nil
}
