package compress

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

const stderrTail = 500

// Encoder re-encodes the audio of in into out using tier t.
type Encoder interface {
	Encode(in, out string, t Tier) error
}

// FFmpeg shells out to ffmpeg with libmp3lame. The call blocks until the process exits.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) args(in, out string, t Tier) []string {
	args := []string{"-y", "-i", in, "-vn", "-codec:a", "libmp3lame", "-b:a", strconv.Itoa(t.BitrateK) + "k"}
	if t.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(t.Channels))
	}
	args = append(args, "-ar", strconv.Itoa(t.SampleRate), out)
	return args
}

func (f FFmpeg) Encode(in, out string, t Tier) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, f.args(in, out, t)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errStr := stderr.String()
		if len(errStr) > stderrTail {
			errStr = errStr[len(errStr)-stderrTail:]
		}
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		return &EncodeError{Tier: t, ExitCode: code, Stderr: errStr, Err: err}
	}

	info, err := os.Stat(out)
	if err != nil {
		return &EncodeError{Tier: t, ExitCode: 0, Err: fmt.Errorf("encoder produced no output: %w", err)}
	}
	if info.Size() == 0 {
		return &EncodeError{Tier: t, ExitCode: 0, Err: fmt.Errorf("encoder produced an empty file")}
	}
	return nil
}

// EncodeError carries the last bytes of the encoder's stderr for the logs.
type EncodeError struct {
	Tier     Tier
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding at %s failed (code %d): %v", e.Tier, e.ExitCode, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
