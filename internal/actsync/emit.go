package actsync

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/term"
)

// EmitOptions configures the exec-based output modes.
type EmitOptions struct {
	CtlinndPath string        // path to the ctlinnd binary, ModeExec/ModeInteractiveExec
	ExecSleep   time.Duration // pause before each non-interactive exec (-z)
	Creator     string        // newgroup creator string (-n)
	Out         io.Writer     // ModeActive destination, defaults to os.Stdout
	In          io.Reader     // ModeInteractiveExec confirmation source, defaults to os.Stdin
}

// EmitResult tallies what Emit actually did, for the caller's summary
// line (output_grps's add/change/remove accounting in actsync.c).
type EmitResult struct {
	Added, Changed, Removed int
	Skipped                 int // interactive "no" answers or exec failures
}

// Emit performs spec.md §4.6 step 6's final output pass over groups
// that survived the gate, in the mode selected by opts.OutputMode.
// Removals are always emitted before additions/changes in the
// non-active modes, matching actsync.c's rm_cycle ordering so a
// changegroup never races a pending rmgroup of the same name.
func Emit(groups []*Group, opts Options, emit EmitOptions) (EmitResult, error) {
	ordered := make([]*Group, len(groups))
	copy(ordered, groups)
	if opts.OutputMode == ModeActive {
		activeCmp(ordered)
		return emitActive(ordered, emit)
	}
	if opts.OutputMode == ModeCtlinnd {
		return emitCtlinndStream(ordered, emit)
	}

	var result EmitResult
	for _, g := range ordered {
		if !g.Output || !g.Remove {
			continue
		}
		if err := runRmGroup(g, opts, emit, &result); err != nil {
			return result, err
		}
	}
	for _, g := range ordered {
		if !g.Output || g.Remove {
			continue
		}
		if err := runAddOrChange(g, opts, emit, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// emitCtlinndStream implements the OUTPUT_CTLINND mode of output_grps:
// it PRINTS "ctlinnd <cmd> ..." lines rather than running them, leaving
// execution to whatever consumes the stream (shell pipeline, cron job).
// Removals print in a first pass, additions/changes in a second,
// mirroring the original's rm_cycle do/while.
func emitCtlinndStream(groups []*Group, emit EmitOptions) (EmitResult, error) {
	w := emit.Out
	if w == nil {
		w = os.Stdout
	}
	var result EmitResult
	for _, g := range groups {
		if !g.Output || !g.Remove {
			continue
		}
		if _, err := fmt.Fprintf(w, "ctlinnd rmgroup %s\n", g.Name); err != nil {
			return result, err
		}
		result.Removed++
	}
	for _, g := range groups {
		if !g.Output || g.Remove {
			continue
		}
		switch {
		case g.Host == Host2:
			if _, err := fmt.Fprintf(w, "ctlinnd newgroup %s %s %s\n", g.Name, g.OutType, emit.Creator); err != nil {
				return result, err
			}
			result.Added++
		case g.Type != g.OutType:
			if _, err := fmt.Fprintf(w, "ctlinnd changegroup %s %s\n", g.Name, g.OutType); err != nil {
				return result, err
			}
			result.Changed++
		}
	}
	return result, nil
}

func emitActive(groups []*Group, emit EmitOptions) (EmitResult, error) {
	w := emit.Out
	if w == nil {
		w = os.Stdout
	}
	var result EmitResult
	for _, g := range groups {
		if !g.Output {
			continue
		}
		if g.Remove {
			result.Removed++
			continue
		}
		if _, err := fmt.Fprintf(w, "%s %s %s %s\n", g.Name, g.OutHigh, g.OutLow, g.OutType); err != nil {
			return result, err
		}
		switch {
		case g.Host == Host2:
			result.Added++
		case g.Type != g.OutType:
			result.Changed++
		}
	}
	return result, nil
}

func runRmGroup(g *Group, opts Options, emit EmitOptions, result *EmitResult) error {
	ok, err := confirmAndRun(opts.OutputMode, emit, result, "rmgroup", g.Name)
	if err != nil {
		return err
	}
	if ok {
		result.Removed++
	}
	return nil
}

func runAddOrChange(g *Group, opts Options, emit EmitOptions, result *EmitResult) error {
	var ok bool
	var err error
	if g.Host == Host2 {
		ok, err = confirmAndRun(opts.OutputMode, emit, result, "newgroup", g.Name, g.OutType, emit.Creator)
		if ok {
			result.Added++
		}
	} else if g.Type != g.OutType {
		ok, err = confirmAndRun(opts.OutputMode, emit, result, "changegroup", g.Name, g.OutType)
		if ok {
			result.Changed++
		}
	}
	return err
}

// confirmAndRun runs emit.CtlinndPath with args, optionally prompting
// for a y/Y/Enter confirmation first (exec_cmd's OUTPUT_IEXEC path in
// actsync.c, here using raw terminal mode instead of a line-buffered
// fgets). For ModeExec it sleeps emit.ExecSleep first so as not to
// flood the news server with back-to-back ctlinnd calls.
func confirmAndRun(mode Mode, emit EmitOptions, result *EmitResult, args ...string) (bool, error) {
	if mode == ModeInteractiveExec {
		ok, err := confirm(emit, args)
		if err != nil {
			return false, err
		}
		if !ok {
			result.Skipped++
			return false, nil
		}
	} else if emit.ExecSleep > 0 {
		time.Sleep(emit.ExecSleep)
	}

	cmd := exec.Command(emit.CtlinndPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		result.Skipped++
		return false, fmt.Errorf("actsync: ctlinnd %v: %w", args, err)
	}
	return true, nil
}

func confirm(emit EmitOptions, args []string) (bool, error) {
	fmt.Printf("%s  [yn]? ", join(args))

	in := emit.In
	if in == nil {
		in = os.Stdin
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return false, fmt.Errorf("actsync: raw terminal mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), state)
		buf := make([]byte, 1)
		if _, err := f.Read(buf); err != nil {
			return false, fmt.Errorf("actsync: reading confirmation: %w", err)
		}
		fmt.Println()
		return buf[0] == 'y' || buf[0] == 'Y' || buf[0] == '\r' || buf[0] == '\n', nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("actsync: reading confirmation: %w", err)
	}
	if len(line) == 0 {
		return true, nil
	}
	return line[0] == 'y' || line[0] == 'Y' || line[0] == '\n', nil
}

func join(args []string) string {
	out := ""
	for i, a := range args {
		if a == "" {
			continue
		}
		if i > 0 && out != "" {
			out += " "
		}
		out += a
	}
	return out
}
