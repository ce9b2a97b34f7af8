package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpm/relay/common/redact"
	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/executor/agent"
	"github.com/devpm/relay/internal/executor/config"
	"github.com/devpm/relay/internal/executor/files"
)

const reconnectDelay = 5 * time.Second

// Daemon is the executor's long-lived relay connection. It advertises the
// local workspaces and model inventory at startup, then dispatches incoming
// commands and file RPCs for as long as the process lives.
type Daemon struct {
	cfg      *config.Config
	api      *API
	pipeline *agent.Pipeline
	runner   agent.Runner
	log      *slog.Logger
}

func NewDaemon(cfg *config.Config, runner agent.Runner, log *slog.Logger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		api:      NewAPI(cfg.RelayerHTTPURL, cfg.ExecutorAPIKey),
		pipeline: agent.NewPipeline(runner, log),
		runner:   runner,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, reconnecting on any socket failure.
// In-flight jobs are not tied to the socket: they report over HTTP.
func (d *Daemon) Run(ctx context.Context) error {
	d.advertise(ctx)

	for {
		if err := d.connect(ctx); err != nil {
			d.log.Warn("relay connection lost", "error", redact.Error(err, d.cfg.ExecutorAPIKey))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// advertise pushes the local workspace list and model inventory to the
// relayer. Failures are logged; the daemon still connects so commands with
// explicit settings keep working.
func (d *Daemon) advertise(ctx context.Context) {
	if repos, err := discoverRepos(); err != nil {
		d.log.Warn("discover repos", "error", err)
	} else if err := d.api.SyncRepos(ctx, repos); err != nil {
		d.log.Warn("sync repos", "error", err)
	} else {
		d.log.Info("repos synced", "count", len(repos))
	}

	if models, err := d.runner.ListModels(ctx); err != nil {
		d.log.Warn("list models", "error", err)
	} else if len(models) > 0 {
		if err := d.api.SyncModels(ctx, models); err != nil {
			d.log.Warn("sync models", "error", err)
		} else {
			d.log.Info("models synced", "count", len(models))
		}
	}
}

// discoverRepos lists the top-level directories under ~/repos, reported with
// unexpanded tilde paths as the relayer stores them.
func discoverRepos() ([]string, error) {
	root, err := files.ExpandTilde("~/repos")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var repos []string
	for _, entry := range entries {
		if entry.IsDir() {
			repos = append(repos, "~/repos/"+entry.Name())
		}
	}
	return repos, nil
}

func (d *Daemon) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.RelayerWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.cfg.RelayerWSURL, err)
	}
	defer conn.Close()

	if err := d.handshake(conn); err != nil {
		return err
	}
	d.log.Info("connected to relayer")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := wire.ParseEnvelope(data)
		if err != nil {
			d.log.Warn("bad frame from relayer", "error", err)
			continue
		}
		d.dispatch(ctx, env)
	}
}

func (d *Daemon) handshake(conn *websocket.Conn) error {
	env, err := wire.NewEnvelope(wire.TypeAuth, wire.AuthPayload{Token: d.cfg.ExecutorAPIKey})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	reply, err := wire.ParseEnvelope(data)
	if err != nil {
		return err
	}
	if reply.Type != wire.TypeAuthOK {
		var fail wire.AuthFailPayload
		reply.Decode(&fail)
		return fmt.Errorf("auth rejected: %s", fail.Reason)
	}
	return nil
}

// dispatch fans each inbound event out to its own goroutine so a long
// command never blocks file RPCs or other commands.
func (d *Daemon) dispatch(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeCommandNew:
		var payload wire.CommandNewPayload
		if err := env.Decode(&payload); err != nil {
			d.log.Warn("bad command_new payload", "error", err)
			return
		}
		go d.handleCommand(ctx, payload)
	case wire.TypeFileReadRequest:
		var payload wire.FileReadRequestPayload
		if err := env.Decode(&payload); err != nil {
			d.log.Warn("bad file_read_request payload", "error", err)
			return
		}
		go d.handleFileRead(ctx, payload)
	case wire.TypeFileSearchRequest:
		var payload wire.FileSearchRequestPayload
		if err := env.Decode(&payload); err != nil {
			d.log.Warn("bad file_search_request payload", "error", err)
			return
		}
		go d.handleFileSearch(ctx, payload)
	case wire.TypeCommandUpdate, wire.TypePing, wire.TypePong:
		// Broadcasts for controllers; nothing to do here.
	default:
		d.log.Debug("unhandled relay event", "type", env.Type)
	}
}

// handleCommand runs the full pipeline for one command and always reports a
// terminal status, so nothing is left stranded in running.
func (d *Daemon) handleCommand(ctx context.Context, cmd wire.CommandNewPayload) {
	log := d.log.With("command_id", cmd.ID)
	log.Info("command received", "input_len", len(cmd.Input))

	if err := d.api.UpdateCommand(ctx, cmd.ID, CommandUpdate{Status: "running"}); err != nil {
		log.Warn("report running", "error", err)
	}

	job := agent.Job{
		Input:           cmd.Input,
		RepoPath:        orDefault(cmd.RepoPath, d.cfg.DefaultRepo),
		ContextMode:     orDefault(cmd.ContextMode, ""),
		TranslatorModel: orDefault(cmd.TranslatorModel, d.cfg.TranslatorModel),
		WorkloadModel:   orDefault(cmd.WorkloadModel, d.cfg.WorkloadModel),
		ResumeChatID:    orDefault(cmd.CursorChatID, ""),
		ChatHistory:     cmd.ChatHistory,
	}

	progress := agent.Throttled(func(out string) {
		if err := d.api.UpdateCommand(ctx, cmd.ID, CommandUpdate{Status: "running", Output: &out}); err != nil {
			log.Debug("progress update dropped", "error", err)
		}
	})

	res, err := d.pipeline.Run(ctx, job, progress)
	if err != nil {
		log.Error("command failed", "error", err)
		output := "Error: " + err.Error()
		empty := ""
		if perr := d.api.UpdateCommandRetrying(ctx, cmd.ID, CommandUpdate{
			Status: "failed", Output: &output, Summary: &empty,
		}); perr != nil {
			log.Error("report failure", "error", perr)
		}
		return
	}

	log.Info("command done", "output_len", len(res.Output))
	if perr := d.api.UpdateCommandRetrying(ctx, cmd.ID, CommandUpdate{
		Status:       "done",
		Output:       &res.Output,
		Summary:      &res.Summary,
		CursorChatID: &res.ChatID,
	}); perr != nil {
		log.Error("report completion", "error", perr)
	}
}

func (d *Daemon) handleFileRead(ctx context.Context, req wire.FileReadRequestPayload) {
	content, err := files.Read(req.RepoPath, req.FilePath)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		content = ""
		d.log.Warn("file read failed", "path", req.FilePath, "error", err)
	}
	if err := d.api.PostFileReadResponse(ctx, req.RequestID, content, errMsg); err != nil {
		d.log.Warn("post file read response", "error", err)
	}
}

func (d *Daemon) handleFileSearch(ctx context.Context, req wire.FileSearchRequestPayload) {
	matches, err := files.Search(req.RepoPath, req.FileName)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		matches = nil
		d.log.Warn("file search failed", "name", req.FileName, "error", err)
	}
	if err := d.api.PostFileSearchResponse(ctx, req.RequestID, matches, errMsg); err != nil {
		d.log.Warn("post file search response", "error", err)
	}
}

func orDefault(p *string, def string) string {
	if p != nil && *p != "" {
		return *p
	}
	return def
}
