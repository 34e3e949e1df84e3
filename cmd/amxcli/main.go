// Command amxcli is an interactive console for invoking natives on an AMX
// host, either over a socket connection to a running server or against a
// host compiled to WASM.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/openamx/amx"
	"github.com/openamx/amx/wasmhost"
)

const version = "0.1.0"

// Styles
var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	warningColor = lipgloss.Color("#F59E0B")
	infoColor    = lipgloss.Color("#3B82F6")
	dimColor     = lipgloss.Color("#6B7280")

	logoStyle     = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	promptStyle   = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	errorMsgStyle = lipgloss.NewStyle().Foreground(errorColor)
	successStyle  = lipgloss.NewStyle().Foreground(successColor)
	infoStyle     = lipgloss.NewStyle().Foreground(infoColor)
	dimStyle      = lipgloss.NewStyle().Foreground(dimColor)
	cmdStyle      = lipgloss.NewStyle().Foreground(warningColor)
	titleStyle    = lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Underline(true)
	resultStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA"))
)

// Syntax highlighter for echoed call lines. Pawn is close enough to C for
// chroma's C lexer.
var (
	callLexer   chroma.Lexer
	chromaStyle *chroma.Style
	formatter   chroma.Formatter
)

func initSyntaxHighlighter() {
	callLexer = lexers.Get("c")
	if callLexer == nil {
		callLexer = lexers.Fallback
	}
	callLexer = chroma.Coalesce(callLexer)
	chromaStyle = styles.Get("dracula")
	if chromaStyle == nil {
		chromaStyle = styles.Fallback
	}
	formatter = formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
}

func highlightCall(line string) string {
	if callLexer == nil {
		return line
	}
	var buf bytes.Buffer
	iterator, err := callLexer.Tokenise(nil, line)
	if err != nil {
		return line
	}
	if err := formatter.Format(&buf, chromaStyle, iterator); err != nil {
		return line
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// session abstracts over the two backends: socket client and in-process
// wasm host.
type session struct {
	client *amx.Client
	host   *wasmhost.Host
	loop   *amx.RunLoop

	backend    string
	showTiming bool
	callCount  int
	startTime  time.Time
	natives    map[string]*amx.Native
}

func (s *session) findNative(name string) (*amx.Native, error) {
	if n, ok := s.natives[name]; ok {
		return n, nil
	}
	var (
		n   *amx.Native
		err error
	)
	if s.client != nil {
		n, err = s.client.FindNative(name)
	} else {
		var h amx.NativeHandle
		h, err = s.host.FindNative(name)
		if err == nil && h == amx.InvalidNative {
			err = fmt.Errorf("native %q not found", name)
		}
		if err == nil {
			n = amx.NewNative(name, h, s.loop, s.host, nil)
		}
	}
	if err != nil {
		return nil, err
	}
	s.natives[name] = n
	return n, nil
}

func (s *session) close() {
	if s.client != nil {
		s.client.Close()
	}
	if s.host != nil {
		s.host.Close()
	}
	if s.loop != nil {
		s.loop.Close()
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "server address to connect to (host:port)")
	wasmPath := flag.String("wasm", "", "path to an AMX host compiled to WASM")
	encName := flag.String("encoding", "", "text encoding override (IANA name)")
	evalLine := flag.String("e", "", "run one call and exit")
	timing := flag.Bool("timing", false, "show call round-trip time")
	showVersion := flag.Bool("version", false, "show version")
	showHelp := flag.Bool("help", false, "show help")
	flag.Parse()

	initSyntaxHighlighter()

	if *showVersion {
		printVersion()
		return 0
	}
	if *showHelp {
		printUsage()
		return 0
	}
	if *addr == "" && *wasmPath == "" {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" one of -addr or -wasm is required")
		return 1
	}

	s := &session{
		showTiming: *timing,
		startTime:  time.Now(),
		natives:    make(map[string]*amx.Native),
	}

	if *addr != "" {
		var opts []amx.Option
		if *encName != "" {
			enc, err := ianaindex.IANA.Encoding(*encName)
			if err != nil || enc == nil {
				fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" unknown encoding "+*encName)
				return 1
			}
			opts = append(opts, amx.WithEncoding(enc))
		}
		client, err := amx.Dial("tcp", *addr, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" "+err.Error())
			return 1
		}
		go client.Run()
		s.client = client
		s.backend = "server " + *addr
	} else {
		wasmBytes, err := os.ReadFile(*wasmPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" "+err.Error())
			return 1
		}
		host, err := wasmhost.New(context.Background(), wasmBytes)
		if err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" "+err.Error())
			return 1
		}
		s.host = host
		s.loop = amx.NewRunLoop()
		s.backend = "wasm " + filepath.Base(*wasmPath)
	}
	defer s.close()

	if *evalLine != "" {
		if err := s.execLine(*evalLine); err != nil {
			printError(err)
			return 1
		}
		return 0
	}

	s.runREPL()
	return 0
}

func printVersion() {
	fmt.Println(logoStyle.Render("amxcli") + dimStyle.Render(" v"+version))
	fmt.Println(dimStyle.Render("Interactive console for Pawn AMX natives"))
	fmt.Println(dimStyle.Render(fmt.Sprintf("Go %s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)))
}

func printUsage() {
	fmt.Println()
	fmt.Println(titleStyle.Render("amxcli - AMX native console"))
	fmt.Println()

	fmt.Println(logoStyle.Render("USAGE"))
	fmt.Println("  amxcli -addr host:port [options]")
	fmt.Println("  amxcli -wasm host.wasm [options]")
	fmt.Println()

	fmt.Println(logoStyle.Render("OPTIONS"))
	fmt.Println("  " + cmdStyle.Render("-addr <host:port>") + "   Connect to a running server")
	fmt.Println("  " + cmdStyle.Render("-wasm <file>") + "        Run an in-process WASM host")
	fmt.Println("  " + cmdStyle.Render("-encoding <name>") + "    Override the text encoding (IANA name)")
	fmt.Println("  " + cmdStyle.Render("-e <line>") + "           Run one call and exit")
	fmt.Println("  " + cmdStyle.Render("-timing") + "             Show call round-trip time")
	fmt.Println()

	fmt.Println(logoStyle.Render("CALL SYNTAX"))
	fmt.Println("  " + cmdStyle.Render("call <native> [args...]"))
	fmt.Println("  " + dimStyle.Render("  42          integer"))
	fmt.Println("  " + dimStyle.Render("  1.5         float"))
	fmt.Println("  " + dimStyle.Render(`  "text"      string`))
	fmt.Println("  " + dimStyle.Render("  true/false  boolean"))
	fmt.Println("  " + dimStyle.Render("  [1,2,3]     cell array"))
	fmt.Println("  " + dimStyle.Render("  buf:N       output cell array of N cells"))
	fmt.Println("  " + dimStyle.Render("  str:N       output string buffer of N bytes"))
	fmt.Println()
}

func (s *session) runREPL() {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".amxcli_history")
	}

	completions := []string{
		"find", "call",
		".help", ".exit", ".clear", ".timing", ".info",
	}
	completer := readline.NewPrefixCompleter()
	for _, item := range completions {
		completer.Children = append(completer.Children, readline.PcItem(item))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            promptStyle.Render("amx") + dimStyle.Render(" > "),
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:")+" failed to initialize readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	printBanner(s.backend)

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				fmt.Println(dimStyle.Render("Goodbye!"))
				break
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			if s.handleCommand(line) {
				break
			}
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Println(dimStyle.Render("Goodbye!"))
			break
		}

		if err := s.execLine(line); err != nil {
			printError(err)
		}
	}
}

func printBanner(backend string) {
	logo := `
      ┌─┐┌┬┐─┐┬
      ├─┤│││┌┼┘
      ┴ ┴┴ ┴┴└─`

	fmt.Println(logoStyle.Render(logo))
	fmt.Println()
	fmt.Println(dimStyle.Render("  AMX native console v" + version))
	fmt.Println(dimStyle.Render("  Connected to ") + infoStyle.Render(backend))
	fmt.Println(dimStyle.Render("  Type ") + cmdStyle.Render(".help") + dimStyle.Render(" for commands"))
	fmt.Println()
}

// handleCommand runs a dot command; true means exit.
func (s *session) handleCommand(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])

	switch cmd {
	case ".help", ".h", ".?":
		s.cmdHelp()
	case ".exit", ".quit", ".q":
		fmt.Println(dimStyle.Render("Goodbye!"))
		return true
	case ".clear", ".cls":
		fmt.Print("\033[H\033[2J")
	case ".timing", ".time":
		s.showTiming = !s.showTiming
		if s.showTiming {
			fmt.Println(successStyle.Render("✓") + " Timing enabled")
		} else {
			fmt.Println(infoStyle.Render("○") + " Timing disabled")
		}
	case ".info", ".i":
		s.cmdInfo()
	default:
		fmt.Println(errorStyle.Render("Unknown command:") + " " + cmd)
		fmt.Println(dimStyle.Render("Type .help for available commands"))
	}
	return false
}

func (s *session) cmdHelp() {
	fmt.Println()
	fmt.Println(titleStyle.Render("Commands"))
	fmt.Println()

	cmds := []struct{ cmd, desc string }{
		{"find <name>", "Resolve a native and print its handle"},
		{"call <name> [args]", "Invoke a native"},
		{".help", "Show this help message"},
		{".exit", "Exit the console"},
		{".clear", "Clear the screen"},
		{".timing", "Toggle call timing"},
		{".info", "Show session information"},
	}
	for _, c := range cmds {
		fmt.Printf("  %s  %s\n", cmdStyle.Render(fmt.Sprintf("%-19s", c.cmd)), dimStyle.Render(c.desc))
	}
	fmt.Println()
}

func (s *session) cmdInfo() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	fmt.Println()
	fmt.Println(titleStyle.Render("Session Information"))
	fmt.Println()

	info := []struct{ label, value string }{
		{"Version", version},
		{"Backend", s.backend},
		{"Go Version", runtime.Version()},
		{"OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)},
		{"Go Heap", fmt.Sprintf("%.2f MB", float64(memStats.HeapAlloc)/1024/1024)},
		{"Calls", fmt.Sprintf("%d", s.callCount)},
		{"Natives cached", fmt.Sprintf("%d", len(s.natives))},
		{"Uptime", time.Since(s.startTime).Round(time.Second).String()},
	}
	for _, i := range info {
		fmt.Printf("  %s  %s\n", dimStyle.Render(fmt.Sprintf("%-16s", i.label)), i.value)
	}
	fmt.Println()
}

func (s *session) execLine(line string) error {
	fields := splitArgs(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "find":
		if len(fields) != 2 {
			return fmt.Errorf("usage: find <name>")
		}
		n, err := s.findNative(fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s = %s\n", successStyle.Render("✓"), n.Name(),
			resultStyle.Render(strconv.Itoa(int(n.Handle()))))
		return nil
	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <name> [args...]")
		}
		return s.execCall(fields[1], fields[2:])
	default:
		return fmt.Errorf("unknown command %q (try .help)", fields[0])
	}
}

// outputArg remembers a buf:N or str:N argument so its contents can be
// printed after the call.
type outputArg struct {
	index int
	cells amx.CellBuffer
	bytes []byte
}

func (s *session) execCall(name string, rawArgs []string) error {
	n, err := s.findNative(name)
	if err != nil {
		return err
	}

	args := make([]any, 0, len(rawArgs))
	var outputs []outputArg
	for i, raw := range rawArgs {
		v, err := parseArg(raw)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		switch out := v.(type) {
		case amx.CellBuffer:
			outputs = append(outputs, outputArg{index: i, cells: out})
		case []byte:
			outputs = append(outputs, outputArg{index: i, bytes: out})
		}
		args = append(args, v)
	}

	fmt.Println(dimStyle.Render("  → ") + highlightCall(name+"("+strings.Join(rawArgs, ", ")+")"))

	s.callCount++
	start := time.Now()
	ret, err := n.Invoke(args...)
	duration := time.Since(start)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", resultStyle.Render("="), formatCell(ret))
	for _, out := range outputs {
		if out.cells != nil {
			fmt.Printf("  %s %v\n", dimStyle.Render(fmt.Sprintf("arg %d:", out.index+1)), []int32(out.cells))
		} else {
			text := strings.TrimRight(string(out.bytes), "\x00")
			fmt.Printf("  %s %q\n", dimStyle.Render(fmt.Sprintf("arg %d:", out.index+1)), text)
		}
	}

	if s.showTiming {
		printTiming(duration)
	}
	return nil
}

// formatCell shows the raw cell alongside its float reinterpretation when
// the bit pattern plausibly is one.
func formatCell(c int32) string {
	out := strconv.Itoa(int(c))
	f := amx.FloatFromCell(c)
	if f != 0 && f == f && (f > 1e-30 && f < 1e30 || f < -1e-30 && f > -1e30) {
		out += dimStyle.Render(fmt.Sprintf("  (float %g)", f))
	}
	return resultStyle.Render(out)
}

// splitArgs splits on spaces, keeping quoted strings and bracketed arrays
// intact.
func splitArgs(line string) []string {
	var (
		fields  []string
		current strings.Builder
		inQuote bool
		depth   int
	)
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case inQuote:
			current.WriteByte(ch)
			if ch == '"' && line[i-1] != '\\' {
				inQuote = false
			}
		case ch == '"':
			current.WriteByte(ch)
			inQuote = true
		case ch == '[':
			current.WriteByte(ch)
			depth++
		case ch == ']':
			current.WriteByte(ch)
			depth--
		case ch == ' ' && depth == 0:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(ch)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

func parseArg(raw string) (any, error) {
	switch {
	case raw == "true":
		return true, nil
	case raw == "false":
		return false, nil
	case strings.HasPrefix(raw, `"`):
		s, err := strconv.Unquote(raw)
		if err != nil {
			return nil, fmt.Errorf("bad string %s", raw)
		}
		return s, nil
	case strings.HasPrefix(raw, "["):
		if !strings.HasSuffix(raw, "]") {
			return nil, fmt.Errorf("unterminated array %s", raw)
		}
		body := strings.TrimSpace(raw[1 : len(raw)-1])
		if body == "" {
			return []int32{}, nil
		}
		parts := strings.Split(body, ",")
		cells := make([]int32, len(parts))
		for i, p := range parts {
			v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("bad array element %q", p)
			}
			cells[i] = int32(v)
		}
		return cells, nil
	case strings.HasPrefix(raw, "buf:"):
		n, err := strconv.Atoi(raw[len("buf:"):])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad buffer size %s", raw)
		}
		return make(amx.CellBuffer, n), nil
	case strings.HasPrefix(raw, "str:"):
		n, err := strconv.Atoi(raw[len("str:"):])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad buffer size %s", raw)
		}
		return make([]byte, n), nil
	case strings.Contains(raw, "."):
		f, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return nil, fmt.Errorf("bad float %s", raw)
		}
		return float32(f), nil
	default:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad value %s", raw)
		}
		return int32(v), nil
	}
}

func printError(err error) {
	fmt.Println()
	fmt.Println(errorStyle.Render("Error"))
	fmt.Println(errorMsgStyle.Render(err.Error()))
	fmt.Println()
}

func printTiming(duration time.Duration) {
	var style lipgloss.Style
	switch {
	case duration < 10*time.Millisecond:
		style = successStyle
	case duration < 100*time.Millisecond:
		style = lipgloss.NewStyle().Foreground(warningColor)
	default:
		style = errorStyle
	}
	fmt.Println(style.Render(fmt.Sprintf("⏱  %v", duration)))
}
