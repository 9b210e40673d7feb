// Package session is the public S4PP client API: it wires the protocol
// engine (internal/s4pp), the default TCP/TLS transport (internal/ioport)
// and, optionally, a flash-backed sample FIFO (internal/flashfifo) into
// a single call surface an application opens once per upload.
package session

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/s4pp/gos4pp/internal/flashfifo"
	"github.com/s4pp/gos4pp/internal/ioport"
	core "github.com/s4pp/gos4pp/internal/s4pp"
)

// Re-exported core types, so callers never need to import the internal
// packages that actually define them.
type (
	Sample       = core.Sample
	PullFunc     = core.PullFunc
	ErrorKind    = core.ErrorKind
	SessionError = core.SessionError
	HideMode     = core.HideMode
	Phase        = core.Phase
	SampleSource = core.SampleSource
)

// NewPullSource adapts an application-supplied "next sample" function
// into a SampleSource (spec §4.J pull mode).
func NewPullSource(next PullFunc) SampleSource {
	return core.NewPullSource(next)
}

// NewFIFOSource reads sequentially from a flash-backed FIFO (internal/
// flashfifo), only dropping samples once the server has acknowledged the
// sequence they were uploaded in. base prefixes the source id each
// record's on-flash dictionary index resolves to (the "flashbase"
// config key).
func NewFIFOSource(fifo *flashfifo.FIFO, base string) SampleSource {
	return core.NewFIFOSampleSource(fifo, base)
}

const (
	KindConfig       = core.KindConfig
	KindNetwork      = core.KindNetwork
	KindProtocol     = core.KindProtocol
	KindServerReject = core.KindServerReject
	KindResource     = core.KindResource
	KindContract     = core.KindContract
)

const (
	HideDisabled  = core.HideDisabled
	HidePreferred = core.HidePreferred
	HideMandatory = core.HideMandatory
)

const (
	NtfyTime     = core.NtfyTime
	NtfyFirmware = core.NtfyFirmware
	NtfyFlags    = core.NtfyFlags
)

const (
	PhaseInit       = core.PhaseInit
	PhaseHello      = core.PhaseHello
	PhaseAuthed     = core.PhaseAuthed
	PhaseBuffering  = core.PhaseBuffering
	PhaseCommitting = core.PhaseCommitting
	PhaseDone       = core.PhaseDone
	PhaseErrored    = core.PhaseErrored
)

// DefaultPort is used when Config.Port is left at zero.
const DefaultPort = 22226

// Config mirrors the configuration keys recognized by the session
// constructor (spec §6).
type Config struct {
	Server string
	// AltServers lists additional server addresses tried, in rotation,
	// after a failed dial of Server (spec §9's rotate-and-retry rule).
	AltServers []string
	Port       int
	User       string
	Key        string
	Secure     bool
	// Hide: 0 disabled, 1 preferred, 2 mandatory. It takes effect only
	// when HideSet is true; with HideSet false the mode defaults to "not
	// already using TLS" (preferred over plaintext, disabled when Secure
	// is set, since TLS already gives confidentiality), whatever Hide
	// holds.
	Hide                HideMode
	HideSet             bool
	Format              uint8
	MaxBatchSize        uint32
	LegacyKeyTruncation bool
	// FlashBase prefixes the source id recorded against samples read
	// from a flash FIFO; ignored in pull mode.
	FlashBase string
}

func (c Config) resolveHide() HideMode {
	if c.HideSet {
		return c.Hide
	}
	if c.Secure {
		return HideDisabled
	}
	return HidePreferred
}

// Validate reports the first missing required field as a KindConfig
// error, or nil when the config can open a session.
func (c Config) Validate() *SessionError {
	switch {
	case c.Server == "":
		return core.NewSessionError(core.KindConfig, "server is required")
	case c.User == "" || c.Key == "":
		return core.NewSessionError(core.KindConfig, "user and key are required")
	}
	return nil
}

// iniSection mirrors the [s4pp] section keys recognized by LoadINI.
type iniSection struct {
	Server              string `ini:"server"`
	Port                int    `ini:"port"`
	User                string `ini:"user"`
	Key                 string `ini:"key"`
	Secure              bool   `ini:"secure"`
	Hide                int    `ini:"hide"`
	Format              int    `ini:"format"`
	FlashBase           string `ini:"flashbase"`
	MaxBatch            int    `ini:"max_batch"`
	LegacyKeyTruncation bool   `ini:"legacy_key_truncation"`
}

// LoadINI builds a Config from the [s4pp] section of an INI file,
// recognizing the same keys the session constructor documents (spec §6).
// An absent hide key leaves the TLS-dependent default in force.
func LoadINI(path string) (Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("session: %w", err)
	}
	sec := f.Section("s4pp")
	var raw iniSection
	if err := sec.MapTo(&raw); err != nil {
		return Config{}, fmt.Errorf("session: parsing [s4pp] section: %w", err)
	}
	if raw.Format < 0 || raw.Format > 255 || raw.MaxBatch < 0 {
		return Config{}, fmt.Errorf("session: format %d or max_batch %d out of range", raw.Format, raw.MaxBatch)
	}
	cfg := Config{
		Server:              raw.Server,
		Port:                raw.Port,
		User:                raw.User,
		Key:                 raw.Key,
		Secure:              raw.Secure,
		Format:              uint8(raw.Format),
		FlashBase:           raw.FlashBase,
		MaxBatchSize:        uint32(raw.MaxBatch),
		LegacyKeyTruncation: raw.LegacyKeyTruncation,
	}
	if sec.HasKey("hide") {
		if raw.Hide < 0 || raw.Hide > 2 {
			return Config{}, fmt.Errorf("session: hide must be 0, 1 or 2, got %d", raw.Hide)
		}
		cfg.Hide, cfg.HideSet = HideMode(raw.Hide), true
	}
	return cfg, nil
}

// Notifier receives commit progress, out-of-band NTFY: dispatches and
// the final disconnect report. Once a session is open, all methods are
// called from its single event-processing goroutine; when Open or
// OpenFIFO fails before connecting, OnDisconnect is called directly on
// the caller's goroutine. Implementations must not block.
type Notifier interface {
	OnNotify(code int, args []string)
	OnCommit(nCommitted uint32)
	OnDisconnect(err *SessionError, nCommitted uint32)
}

// Session drives one S4PP upload. It is single-use: once OnDisconnect
// fires (success or failure) the Session is done and a new one must be
// constructed for the next upload attempt.
type Session struct {
	engine *core.Engine
	port   *ioport.Port

	done     chan struct{}
	finalErr *SessionError
	finalN   uint32
}

// tapNotifier records the disconnect report for Wait before passing
// every callback through to the application's notifier.
type tapNotifier struct {
	inner Notifier
	sess  *Session
}

func (t *tapNotifier) OnNotify(code int, args []string) { t.inner.OnNotify(code, args) }
func (t *tapNotifier) OnCommit(n uint32)                { t.inner.OnCommit(n) }
func (t *tapNotifier) OnDisconnect(err *SessionError, n uint32) {
	t.sess.finalErr, t.sess.finalN = err, n
	close(t.sess.done)
	t.inner.OnDisconnect(err, n)
}

// Open validates cfg, builds the protocol engine and default transport,
// and begins connecting. notifier receives progress/notification/
// disconnect callbacks; source supplies the samples to upload (see
// NewPullSource / flashfifo-backed sources in internal/s4pp).
func Open(cfg Config, source core.SampleSource, notifier Notifier) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		notifier.OnDisconnect(err, 0)
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}

	engineCfg := core.Config{
		User:                cfg.User,
		Key:                 []byte(cfg.Key),
		Hide:                cfg.resolveHide(),
		Format:              cfg.Format,
		MaxBatchSize:        cfg.MaxBatchSize,
		LegacyKeyTruncation: cfg.LegacyKeyTruncation,
	}

	sess := &Session{done: make(chan struct{})}
	servers := append([]string{cfg.Server}, cfg.AltServers...)
	ioPort := ioport.NewPort(servers, port, cfg.Secure)
	eng, err := core.NewEngine(engineCfg, ioPort, source, &tapNotifier{inner: notifier, sess: sess})
	if err != nil {
		sessErr, ok := err.(*SessionError)
		if !ok {
			sessErr = core.NewSessionError(core.KindConfig, "%v", err)
		}
		notifier.OnDisconnect(sessErr, 0)
		return nil, err
	}

	sess.engine, sess.port = eng, ioPort
	ioPort.Connect(eng)
	return sess, nil
}

// OpenFIFO is Open for the flash-FIFO-backed flow: it opens (preparing,
// if necessary) a flashfifo.FIFO over dev, wraps it in a SampleSource
// whose source ids are prefixed with cfg.FlashBase, and starts the
// session against it. The *flashfifo.FIFO is also returned to the
// caller. Neither the FIFO nor the device has any locking, so a Store
// made from another goroutine while the session runs is not
// synchronized with the session's own Peek/Drop calls.
func OpenFIFO(cfg Config, dev flashfifo.Device, dataSectors int, notifier Notifier) (*Session, *flashfifo.FIFO, error) {
	fifo, err := flashfifo.New(dev, dataSectors)
	if err != nil {
		sessErr := core.NewSessionError(core.KindResource, "%v", err)
		notifier.OnDisconnect(sessErr, 0)
		return nil, nil, err
	}
	if !fifo.CheckMagic() {
		if err := fifo.Prepare(); err != nil {
			sessErr := core.NewSessionError(core.KindResource, "%v", err)
			notifier.OnDisconnect(sessErr, 0)
			return nil, nil, err
		}
	}
	cfg.Format = 1
	source := NewFIFOSource(fifo, cfg.FlashBase)
	sess, err := Open(cfg, source, notifier)
	if err != nil {
		return nil, nil, err
	}
	return sess, fifo, nil
}

// Phase reports the engine's current protocol state.
func (s *Session) Phase() Phase { return s.engine.Phase() }

// NCommitted reports samples acknowledged so far.
func (s *Session) NCommitted() uint32 { return s.engine.NCommitted() }

// Wait blocks until the session's disconnect callback has fired and
// returns its report: a nil error and the acknowledged sample count on
// success.
func (s *Session) Wait() (*SessionError, uint32) {
	<-s.done
	return s.finalErr, s.finalN
}

// Close cancels the session: it is safe to call at any time, including
// after the session has already finished on its own.
func (s *Session) Close() {
	s.engine.Close()
}
