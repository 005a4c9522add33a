package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var shellHistory string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive buffer pool wired to the hint dispatcher",
	Long: `Shell starts a buffer pool over local space files and routes every page
transition (read, dirty, flush, evict) through the hint dispatcher to the
configured NVMe device. Type 'help' inside the shell for commands.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellHistory, "history", "", "history file (default: $HOME/.nvmehint_history)")
}

func runShell(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	history := shellHistory
	if history == "" {
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, ".nvmehint_history")
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "nvmehint> ",
		HistoryFile:     history,
		AutoComplete:    shellCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	s, err := newSession(e.cfg, e.dispatcherOptions(), rl.Stdout())
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			e.logger.Warn("Shell shutdown incomplete", zap.Error(err))
		}
	}()

	fmt.Fprintf(rl.Stdout(), "nvmehint shell (session %s). Type 'help' for commands, 'exit' to leave.\n", s.disp.SessionID())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.exec(strings.Fields(line)); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

func shellCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("open"),
		readline.PcItem("new"),
		readline.PcItem("fetch"),
		readline.PcItem("unpin"),
		readline.PcItem("write"),
		readline.PcItem("flush"),
		readline.PcItem("evict"),
		readline.PcItem("stats"),
		readline.PcItem("reclaim"),
		readline.PcItem("toggle", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}
