package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/pkg/channel"
	"github.com/pairlink/pairlink/pkg/config"
	"github.com/pairlink/pairlink/pkg/filetransfer"
	"github.com/pairlink/pairlink/pkg/network"
	"github.com/pairlink/pairlink/pkg/protocol"
	"github.com/pairlink/pairlink/pkg/storage"
)

var (
	runRole      string
	runOwnerAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the channel with an interactive chat",
	Long: `runs the channel in the given role and drops into an interactive chat.
The owner listens for its paired client; the client probes the owner until
it answers, then connects. Type a line to send it, /help lists commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runChannel(cfg)
	},
}

func init() {
	runCmd.Flags().StringVar(&runRole, "role", "", "channel role: owner or client")
	runCmd.Flags().StringVar(&runOwnerAddr, "owner-addr", "", "owner address to connect to (client role)")
	runCmd.MarkFlagRequired("role")
}

// staticProvider serves fixed pairing data resolved from flags. The
// channel itself stays oblivious to where pairing came from.
type staticProvider struct {
	info   channel.GroupInfo
	device channel.DeviceInfo
}

func (p *staticProvider) ConnectionInfo(ctx context.Context) (*channel.GroupInfo, error) {
	info := p.info
	return &info, nil
}

func (p *staticProvider) CurrentDevice(ctx context.Context) (*channel.DeviceInfo, error) {
	device := p.device
	return &device, nil
}

type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	mgr     *channel.Manager
	journal *storage.Journal

	mu       sync.Mutex
	outgoing map[string][]string             // transfer id -> offered local paths
	incoming map[string][]protocol.FileInfo  // transfer id -> offered files
}

func runChannel(cfg *config.Config) error {
	role := strings.ToLower(strings.TrimSpace(runRole))
	if role != "owner" && role != "client" {
		return fmt.Errorf("invalid role %q, want owner or client", runRole)
	}
	if role == "client" && runOwnerAddr == "" {
		return fmt.Errorf("client role needs --owner-addr")
	}

	logger := buildLogger(cfg.Log)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Channel.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	journal, err := storage.NewJournal(filepath.Join(cfg.DataDir, "journal.db"), cfg.Secret)
	if err != nil {
		return err
	}
	defer journal.Close()

	a := &app{
		cfg:      cfg,
		logger:   logger,
		journal:  journal,
		outgoing: make(map[string][]string),
		incoming: make(map[string][]protocol.FileInfo),
	}

	provider := &staticProvider{
		info: channel.GroupInfo{
			GroupFormed:  true,
			IsGroupOwner: role == "owner",
			OwnerAddress: runOwnerAddr,
		},
		device: channel.DeviceInfo{Identity: cfg.DeviceName, Name: cfg.DeviceName},
	}

	mgr, err := channel.NewManager(channel.Options{
		Provider: provider,
		Secret:   cfg.Secret,
		Logger:   logger,
		Listener: channel.MessageListener{
			OnData:        a.onData,
			OnDone:        a.onDone,
			OnError:       a.onError,
			CancelOnError: cfg.Channel.CancelOnError,
		},
	})
	if err != nil {
		return err
	}
	a.mgr = mgr
	mgr.OnStateChange = a.onStateChange
	mgr.Files().SetListener(a.onFileSocket)

	err = mgr.Start(context.Background(), channel.ConnectionConfig{
		Host:              cfg.Channel.Host,
		Port:              cfg.Channel.Port,
		ReconnectInterval: time.Duration(cfg.Channel.ReconnectMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer func() {
		mgr.Cancel()
		a.recordEvent(storage.EventDisconnected, "", "local shutdown")
	}()

	return a.chatLoop()
}

func buildLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// ===== CHANNEL CALLBACKS =====

// onStateChange runs inside the manager, so everything that needs the
// manager again happens on a fresh goroutine.
func (a *app) onStateChange(s channel.State) {
	go func() {
		switch s {
		case channel.StateLoading:
			color.Yellow("🔄 Connecting...")
		case channel.StateConnected:
			peer := a.mgr.PeerIdentity()
			color.Green("✅ Connected to %s", peer)
			a.recordEvent(storage.EventConnected, peer, "")
		case channel.StateNotConnected:
			color.Yellow("Channel down")
		}
	}()
}

func (a *app) onData(env *protocol.Envelope) {
	switch c := env.Content.(type) {
	case protocol.TextMessage:
		fmt.Printf("%s %s\n", color.CyanString("[%s]>", env.Sender.Identity), c.Text)
		a.recordEvent(storage.EventMessageRecv, env.Sender.Identity, c.Text)

	case protocol.FilesRequest:
		a.mu.Lock()
		a.incoming[c.TransferID] = c.Files
		a.mu.Unlock()

		color.Magenta("📨 %s offers %d file(s), transfer %s", env.Sender.Identity, len(c.Files), c.TransferID)
		for _, f := range c.Files {
			fmt.Printf("   - %s (%s)\n", f.Name, formatBytes(f.Size))
		}
		color.Magenta("   /accept %s  or  /decline %s", c.TransferID, c.TransferID)

		for _, f := range c.Files {
			a.recordTransfer(c.TransferID, f, network.TransferResponse, env.Sender.Identity, storage.TransferStatusPending)
		}

	case protocol.FilesResponse:
		if c.Accepted {
			a.startSending(c.TransferID)
		} else {
			color.Yellow("🚫 Transfer %s declined by the peer", c.TransferID)
			a.mu.Lock()
			delete(a.outgoing, c.TransferID)
			a.mu.Unlock()
			a.updateTransfer(c.TransferID, storage.TransferStatusDeclined)
		}
	}
}

func (a *app) onDone() {
	color.Yellow("👋 Peer closed the channel")
	a.recordEvent(storage.EventDisconnected, "", "peer closed")
}

func (a *app) onError(err error) {
	color.Red("❌ Channel error: %v", err)
	a.recordEvent(storage.EventError, "", err.Error())
}

func (a *app) onFileSocket(session *network.FileTransferSession) {
	a.logger.Debugf("File socket live for transfer %s", session.TransferID)
}

// ===== CHAT LOOP =====

func (a *app) chatLoop() error {
	transferIDs := func(string) []string {
		a.mu.Lock()
		defer a.mu.Unlock()
		ids := make([]string, 0, len(a.incoming))
		for id := range a.incoming {
			ids = append(ids, id)
		}
		return ids
	}

	completer := readline.NewPrefixCompleter(
		readline.PcItem("/help"),
		readline.PcItem("/send"),
		readline.PcItem("/accept", readline.PcItemDynamic(transferIDs)),
		readline.PcItem("/decline", readline.PcItemDynamic(transferIDs)),
		readline.PcItem("/status"),
		readline.PcItem("/history"),
		readline.PcItem("/quit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.GreenString("%s> ", a.cfg.DeviceName),
		HistoryFile:     filepath.Join(a.cfg.DataDir, "input_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	printHelp()

	for {
		line, err := rl.Readline()
		if err != nil {
			// ^C or ^D both leave the chat
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "/help":
			printHelp()
		case "/quit":
			return nil
		case "/status":
			a.printStatus()
		case "/history":
			if err := printJournal(a.journal, 20); err != nil {
				color.Red("❌ %v", err)
			}
		case "/send":
			if len(parts) < 2 {
				color.Red("Usage: /send <file> [file...]")
				continue
			}
			a.offerFiles(parts[1:])
		case "/accept":
			if len(parts) != 2 {
				color.Red("Usage: /accept <transfer-id>")
				continue
			}
			a.acceptTransfer(parts[1])
		case "/decline":
			if len(parts) != 2 {
				color.Red("Usage: /decline <transfer-id>")
				continue
			}
			a.declineTransfer(parts[1])
		default:
			if strings.HasPrefix(parts[0], "/") {
				color.Red("Unknown command, /help lists them")
				continue
			}
			a.sendText(line)
		}
	}
}

func printHelp() {
	color.Magenta("Commands:")
	fmt.Println("  <text>                 - Send a message to the peer")
	fmt.Println("  /send <file> [file...] - Offer files to the peer")
	fmt.Println("  /accept <transfer-id>  - Accept an offered transfer")
	fmt.Println("  /decline <transfer-id> - Decline an offered transfer")
	fmt.Println("  /status                - Show channel state")
	fmt.Println("  /history               - Show recent activity")
	fmt.Println("  /quit                  - Leave")
}

func (a *app) printStatus() {
	fmt.Printf("State:  %s\n", a.mgr.State())
	if peer := a.mgr.PeerIdentity(); peer != "" {
		fmt.Printf("Peer:   %s\n", peer)
	}
	fmt.Printf("Active transfers: %d\n", a.mgr.Files().ActiveCount())
}

// ===== MESSAGING =====

func (a *app) sendText(text string) {
	to := a.mgr.PeerIdentity()
	if to == "" {
		color.Red("Not connected yet")
		return
	}

	sent, err := a.mgr.Send(context.Background(), protocol.NewTextMessage(to, text))
	if err != nil {
		color.Red("❌ %v", err)
		return
	}
	if !sent {
		color.Yellow("⚠️  Not sent, channel is down")
		return
	}
	a.recordEvent(storage.EventMessageSent, to, text)
}

// ===== FILE TRANSFERS =====

func (a *app) offerFiles(paths []string) {
	to := a.mgr.PeerIdentity()
	if to == "" {
		color.Red("Not connected yet")
		return
	}

	infos := make([]protocol.FileInfo, 0, len(paths))
	for _, path := range paths {
		info, err := filetransfer.Describe(path)
		if err != nil {
			color.Red("❌ %v", err)
			return
		}
		infos = append(infos, *info)
	}

	request := protocol.NewFilesRequest(infos)
	a.mu.Lock()
	a.outgoing[request.TransferID] = paths
	a.mu.Unlock()

	sent, err := a.mgr.Send(context.Background(), protocol.Message{To: to, Content: request})
	if err != nil || !sent {
		a.mu.Lock()
		delete(a.outgoing, request.TransferID)
		a.mu.Unlock()
		color.Red("Could not offer the files, channel is down")
		return
	}

	color.Magenta("📦 Offered %d file(s) as transfer %s, waiting for the peer", len(infos), request.TransferID)
	for _, f := range infos {
		a.recordTransfer(request.TransferID, f, network.TransferRequest, to, storage.TransferStatusPending)
	}
}

// startSending streams the offered files once the peer has accepted.
func (a *app) startSending(transferID string) {
	a.mu.Lock()
	paths := a.outgoing[transferID]
	delete(a.outgoing, transferID)
	a.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	session, ok := a.mgr.Files().Session(transferID)
	if !ok || session.Socket == nil {
		color.Red("❌ Transfer %s accepted but its socket never came up", transferID)
		a.updateTransfer(transferID, storage.TransferStatusFailed)
		return
	}

	color.Green("✅ Transfer %s accepted, sending", transferID)
	go func() {
		a.updateTransfer(transferID, storage.TransferStatusActive)

		if _, err := filetransfer.SendAll(context.Background(), session.Socket, paths, progressFor("⬆")); err != nil {
			color.Red("❌ Transfer %s failed: %v", transferID, err)
			a.updateTransfer(transferID, storage.TransferStatusFailed)
		} else {
			color.Green("✅ Transfer %s sent", transferID)
			a.updateTransfer(transferID, storage.TransferStatusCompleted)
		}
		a.mgr.Files().CloseSession(transferID)
	}()
}

func (a *app) acceptTransfer(transferID string) {
	a.mu.Lock()
	files, known := a.incoming[transferID]
	delete(a.incoming, transferID)
	a.mu.Unlock()

	if !known {
		color.Red("Unknown transfer %s", transferID)
		return
	}

	to := a.mgr.PeerIdentity()
	response := protocol.FilesResponse{TransferID: transferID, Accepted: true, Files: files}
	sent, err := a.mgr.Send(context.Background(), protocol.Message{To: to, Content: response})
	if err != nil || !sent {
		color.Red("Could not send the acceptance, channel is down")
		a.mu.Lock()
		a.incoming[transferID] = files
		a.mu.Unlock()
		return
	}

	session, ok := a.mgr.Files().Session(transferID)
	if !ok || session.Socket == nil {
		color.Red("❌ No live socket for transfer %s", transferID)
		a.updateTransfer(transferID, storage.TransferStatusFailed)
		return
	}

	go func() {
		a.updateTransfer(transferID, storage.TransferStatusActive)

		received, err := filetransfer.ReceiveAll(context.Background(), session.Socket,
			a.cfg.Channel.DownloadDir, len(files), progressFor("⬇"))
		if err != nil {
			color.Red("❌ Transfer %s failed: %v", transferID, err)
			a.updateTransfer(transferID, storage.TransferStatusFailed)
		} else {
			color.Green("✅ Received %d file(s) into %s", len(received), a.cfg.Channel.DownloadDir)
			a.updateTransfer(transferID, storage.TransferStatusCompleted)
		}
		a.mgr.Files().CloseSession(transferID)
	}()
}

func (a *app) declineTransfer(transferID string) {
	a.mu.Lock()
	_, known := a.incoming[transferID]
	delete(a.incoming, transferID)
	a.mu.Unlock()

	if !known {
		color.Red("Unknown transfer %s", transferID)
		return
	}

	response := protocol.FilesResponse{TransferID: transferID, Accepted: false}
	if sent, err := a.mgr.Send(context.Background(), protocol.Message{To: a.mgr.PeerIdentity(), Content: response}); err != nil || !sent {
		color.Yellow("⚠️  Could not notify the peer, transfer dropped locally")
	}
	a.updateTransfer(transferID, storage.TransferStatusDeclined)
	color.Yellow("🚫 Declined transfer %s", transferID)
}

// progressFor renders one bar per file as the transfer walks the list.
func progressFor(arrow string) filetransfer.ProgressFunc {
	var bar *progressbar.ProgressBar
	var current string
	return func(name string, transferred, total int64) {
		if bar == nil || current != name {
			bar = progressbar.DefaultBytes(total, arrow+" "+name)
			current = name
		}
		bar.Set64(transferred)
	}
}

// ===== JOURNAL =====

func (a *app) recordEvent(kind storage.EventKind, peer, detail string) {
	if err := a.journal.RecordEvent(kind, peer, detail); err != nil {
		a.logger.Warnf("⚠️  Journal write failed: %v", err)
	}
}

func (a *app) recordTransfer(transferID string, f protocol.FileInfo, direction network.TransferDirection, peer string, status storage.TransferStatus) {
	rec := &storage.TransferRecord{
		TransferID: transferID,
		FileName:   f.Name,
		Direction:  string(direction),
		Peer:       peer,
		Size:       f.Size,
		Checksum:   f.Checksum,
		Status:     status,
	}
	if err := a.journal.RecordTransfer(rec); err != nil {
		a.logger.Warnf("⚠️  Journal write failed: %v", err)
	}
}

func (a *app) updateTransfer(transferID string, status storage.TransferStatus) {
	if err := a.journal.UpdateTransferStatus(transferID, status); err != nil {
		a.logger.Warnf("⚠️  Journal update failed: %v", err)
	}
}
