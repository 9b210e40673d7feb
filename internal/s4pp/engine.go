package s4pp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Phase is the protocol engine's state, matching the INIT -> HELLO ->
// AUTHED -> BUFFERING -> COMMITTING -> {AUTHED,DONE,ERRORED} machine.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseHello
	PhaseAuthed
	PhaseBuffering
	PhaseCommitting
	PhaseDone
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseHello:
		return "HELLO"
	case PhaseAuthed:
		return "AUTHED"
	case PhaseBuffering:
		return "BUFFERING"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseDone:
		return "DONE"
	case PhaseErrored:
		return "ERRORED"
	default:
		return "?"
	}
}

// HideMode mirrors the "hide" config knob: 0 disabled, 1 preferred (used
// if the server advertises it), 2 mandatory (session fails otherwise).
type HideMode uint8

const (
	HideDisabled HideMode = iota
	HidePreferred
	HideMandatory
)

// Notification codes the server may send via NTFY:.
const (
	NtfyTime     = 0
	NtfyFirmware = 1
	NtfyFlags    = 2
)

const (
	payloadLimit  = 1400
	maxInFlight   = 5
	sigLineLength = 4 + 64 + 1 // "SIG:" + 64 lowercase hex + '\n'
)

// ErrWouldBlock is returned by Transport.Send when the underlying write
// path is saturated, mirroring the maxed-in-flight condition of the
// platform's send primitive.
var ErrWouldBlock = errors.New("s4pp: send would block")

// Transport is the narrow send/disconnect port the engine drives;
// connect, DNS and receive delivery live one layer up (see ioport).
type Transport interface {
	Send(buf []byte) error
	Disconnect()
}

// Callbacks delivers the three typed capabilities the engine produces:
// progress, out-of-band notifications, and the final disconnect report.
type Callbacks interface {
	OnCommit(nCommitted uint32)
	OnNotify(code int, args []string)
	OnDisconnect(err *SessionError, nCommitted uint32)
}

// Config holds the per-session parameters recognized by the session
// constructor (spec §6): credentials, HIDE policy, data format and the
// legacy key-truncation interop flag.
type Config struct {
	User                string
	Key                 []byte
	Hide                HideMode
	Format              uint8
	MaxBatchSize        uint32
	LegacyKeyTruncation bool
}

// Engine is the S4PP protocol state machine. It owns no transport or
// scheduling of its own: the caller feeds it connect/recv/sent/written
// events and it reacts synchronously, never suspending (spec §5).
type Engine struct {
	cfg       Config
	transport Transport
	source    SampleSource
	callbacks Callbacks

	framer LineFramer
	phase  Phase

	nMax       uint32
	nUsed      uint32
	nCommitted uint32
	seq        uint32
	lastTime   int64

	dict *sessionDictionary
	hmac *hmacAccumulator
	hide *hideState

	token       string
	buf         []byte
	needSeqLine bool
	endOfData   bool

	pendingReal *Sample

	closed bool
	err    *SessionError

	sendActive    int
	writtenActive int
	pendingSend   []byte

	dnsStartTime  time.Time
	connectTime   time.Time
	bannerTime    time.Time
	hideAvailable bool
}

// NewEngine validates cfg and wires transport/source/callbacks. A
// configuration error (missing user or key) is returned immediately
// rather than deferred to the first event, since it can never be
// resolved by any amount of I/O.
func NewEngine(cfg Config, transport Transport, source SampleSource, callbacks Callbacks) (*Engine, error) {
	if transport == nil || source == nil || callbacks == nil {
		return nil, fmt.Errorf("s4pp: NewEngine requires transport, source and callbacks")
	}
	if cfg.User == "" || len(cfg.Key) == 0 {
		return nil, newError(KindConfig, "user and key are required")
	}
	if cfg.Format == 0 && source.RequiresFormat1() {
		return nil, newError(KindConfig, "source requires format 1")
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		source:    source,
		callbacks: callbacks,
		dict:      newSessionDictionary(),
		hmac:      newHMACAccumulator(cfg.Key),
		phase:     PhaseInit,
	}, nil
}

// Phase reports the engine's current state, mainly for tests/diagnostics.
func (e *Engine) Phase() Phase { return e.phase }

// NCommitted reports samples acknowledged so far this session.
func (e *Engine) NCommitted() uint32 { return e.nCommitted }

// RecordDNSStart marks when DNS resolution began, used only to compute
// the NTFY:TIME telemetry triple.
func (e *Engine) RecordDNSStart(t time.Time) { e.dnsStartTime = t }

// HandleConnected marks the TCP (or TLS) connection as established. The
// engine remains in INIT awaiting the server banner.
func (e *Engine) HandleConnected() {
	if e.dead() {
		return
	}
	e.connectTime = time.Now()
}

// HandleConnectError fails the session with a network error; DNS
// server-list rotation and retry, if any, are the I/O layer's job and
// must already be exhausted by the time this is called.
func (e *Engine) HandleConnectError(err error) {
	e.fail(KindNetwork, "connect failed: %v", err)
}

// HandleRecv feeds newly received bytes through the line framer.
func (e *Engine) HandleRecv(data []byte) {
	if e.dead() {
		return
	}
	if err := e.framer.Feed(data, e.processLine); err != nil {
		e.fail(KindProtocol, "framing error: %v", err)
	}
}

// HandleSent records that one submitted buffer has been handed to the
// kernel (as distinct from placed on the wire, see HandleWritten).
func (e *Engine) HandleSent() {
	if e.dead() {
		return
	}
	if e.sendActive > 0 {
		e.sendActive--
	}
	e.retryPending()
}

// HandleWritten records that one submitted buffer has actually been
// placed on the wire. The engine starts a new sequence only once the
// written counter has drained to zero and fewer than maxInFlight sends
// are outstanding, so HMAC chaining is never computed over bytes the
// transport has not actually committed to sending.
func (e *Engine) HandleWritten() {
	if e.dead() {
		return
	}
	if e.writtenActive > 0 {
		e.writtenActive--
	}
	e.retryPending()
	e.pump()
}

// Close models an explicit, application-driven session cancellation. Any
// event delivered after Close is a no-op via the dead() guard.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.transport.Disconnect()
}

func (e *Engine) dead() bool {
	return e.closed || e.phase == PhaseErrored || e.phase == PhaseDone
}

func (e *Engine) fail(kind ErrorKind, format string, args ...any) {
	if e.dead() {
		return
	}
	e.err = newError(kind, format, args...)
	e.phase = PhaseErrored
	e.closed = true
	e.transport.Disconnect()
	e.callbacks.OnDisconnect(e.err, e.nCommitted)
}

func (e *Engine) finishSuccess() {
	e.phase = PhaseDone
	e.closed = true
	e.transport.Disconnect()
	e.callbacks.OnDisconnect(nil, e.nCommitted)
}

// retryPending resends a buffer that Transport.Send previously refused
// with ErrWouldBlock, once the window has drained enough to retry.
func (e *Engine) retryPending() {
	if e.pendingSend == nil || e.dead() {
		return
	}
	buf := e.pendingSend
	e.pendingSend = nil
	if err := e.sendRaw(buf); err != nil {
		e.fail(KindNetwork, "send failed: %v", err)
	}
}

func (e *Engine) sendRaw(buf []byte) error {
	priorActive := e.sendActive
	e.sendActive++
	e.writtenActive++
	if err := e.transport.Send(buf); err != nil {
		// a refused buffer is not in flight; retryPending counts it again
		// when it resubmits
		e.sendActive--
		e.writtenActive--
		if errors.Is(err, ErrWouldBlock) && priorActive > 0 {
			e.pendingSend = buf
			return nil
		}
		return err
	}
	return nil
}

// processLine dispatches one received line (sans trailing '\n') based
// on the current phase.
func (e *Engine) processLine(line []byte) error {
	s := string(line)
	switch e.phase {
	case PhaseInit:
		return e.handleBanner(s)
	case PhaseHello:
		return e.handleHello(s)
	case PhaseCommitting:
		return e.handleCommitReply(s)
	default:
		// NTFY may legally arrive in any phase once authed.
		if strings.HasPrefix(s, "NTFY:") {
			return e.handleNtfy(s)
		}
		e.fail(KindProtocol, "unexpected line %q in phase %s", s, e.phase)
		return nil
	}
}

func (e *Engine) handleBanner(line string) error {
	if strings.HasPrefix(line, "NTFY:") {
		return e.handleNtfy(line)
	}
	if !strings.HasPrefix(line, "S4PP/") {
		e.fail(KindProtocol, "missing S4PP banner, got %q", line)
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		e.fail(KindProtocol, "malformed banner %q", line)
		return nil
	}
	version := strings.TrimPrefix(fields[0], "S4PP/")
	minor := 0
	if parts := strings.SplitN(version, ".", 2); len(parts) == 2 {
		minor, _ = strconv.Atoi(parts[1])
	}

	hashAlgos := strings.Split(fields[1], ",")
	hasSHA256 := false
	for _, a := range hashAlgos {
		if a == "SHA256" {
			hasSHA256 = true
			break
		}
	}
	if !hasSHA256 {
		e.fail(KindProtocol, "server does not offer SHA256: %q", line)
		return nil
	}

	nMax, err := strconv.Atoi(fields[2])
	if err != nil || nMax <= 0 {
		e.fail(KindProtocol, "malformed n_max in banner %q", line)
		return nil
	}
	e.nMax = uint32(nMax)

	hideAlgos := ""
	if len(fields) > 3 {
		hideAlgos = strings.Join(fields[3:], " ")
	}
	e.hideAvailable = minor >= 2 && strings.Contains(hideAlgos, "AES-128-CBC")
	if e.cfg.Hide == HideMandatory && !e.hideAvailable {
		e.fail(KindProtocol, "HIDE mandatory but server offers no matching algorithm")
		return nil
	}

	e.bannerTime = time.Now()
	e.phase = PhaseHello
	return nil
}

func (e *Engine) hideActive() bool {
	return (e.cfg.Hide == HidePreferred || e.cfg.Hide == HideMandatory) && e.hide != nil
}

func (e *Engine) handleHello(line string) error {
	if strings.HasPrefix(line, "NTFY:") {
		return e.handleNtfy(line)
	}
	if !strings.HasPrefix(line, "TOK:") {
		if strings.HasPrefix(line, "REJ:") {
			e.fail(KindServerReject, "%s", strings.TrimPrefix(line, "REJ:"))
			return nil
		}
		e.fail(KindProtocol, "expected TOK:, got %q", line)
		return nil
	}
	token := strings.TrimPrefix(line, "TOK:")
	e.token = token

	mac := hmacSHA256(e.cfg.Key, []byte(e.cfg.User+token))
	authLine := fmt.Sprintf("AUTH:SHA256,%s,%s\n", e.cfg.User, asciiHex(mac))

	wantHide := e.cfg.Hide == HideMandatory || (e.cfg.Hide == HidePreferred && e.hideAvailable)
	frame := []byte(authLine)
	if wantHide {
		hide, err := newHideState(e.cfg.Key, token, e.cfg.LegacyKeyTruncation)
		if err != nil {
			e.fail(KindResource, "HIDE key derivation failed: %v", err)
			return nil
		}
		e.hide = hide
		frame = append(frame, []byte("HIDE:AES-128-CBC\n")...)
	}

	if err := e.sendRaw(frame); err != nil {
		e.fail(KindNetwork, "send failed: %v", err)
		return nil
	}

	e.phase = PhaseAuthed
	e.pump()
	return nil
}

func (e *Engine) handleCommitReply(line string) error {
	switch {
	case strings.HasPrefix(line, "OK:"):
		e.nCommitted += e.nUsed
		e.callbacks.OnCommit(e.nCommitted)
		if err := e.source.OnCommit(e.nUsed); err != nil {
			e.fail(KindResource, "commit bookkeeping failed: %v", err)
			return nil
		}
		e.seq++
		if e.endOfData {
			e.finishSuccess()
			return nil
		}
		e.phase = PhaseAuthed
		e.pump()
		return nil
	case strings.HasPrefix(line, "NOK:"):
		e.fail(KindServerReject, "commit failed")
		return nil
	case strings.HasPrefix(line, "REJ:"):
		e.fail(KindServerReject, "%s", strings.TrimPrefix(line, "REJ:"))
		return nil
	case strings.HasPrefix(line, "NTFY:"):
		return e.handleNtfy(line)
	default:
		e.fail(KindProtocol, "unexpected line while committing: %q", line)
		return nil
	}
}

func (e *Engine) handleNtfy(line string) error {
	body := strings.TrimPrefix(line, "NTFY:")
	parts := strings.Split(body, ",")
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		e.fail(KindProtocol, "malformed NTFY: %q", line)
		return nil
	}
	args := append([]string{}, parts[1:]...)
	if code == NtfyTime {
		args = append(args,
			strconv.FormatInt(e.connectTime.Sub(e.dnsStartTime).Microseconds(), 10),
			strconv.FormatInt(e.bannerTime.Sub(e.connectTime).Microseconds(), 10),
			strconv.FormatInt(time.Since(e.bannerTime).Microseconds(), 10),
		)
	}
	e.callbacks.OnNotify(code, args)
	return nil
}

// pump drives the engine forward while it has work it can do without
// waiting on an external event: starting a new sequence once the prior
// one's window has fully drained, and filling it from the sample source.
func (e *Engine) pump() {
	if e.dead() || e.pendingSend != nil {
		return
	}
	if e.writtenActive != 0 || e.sendActive >= maxInFlight {
		return
	}
	switch e.phase {
	case PhaseAuthed:
		e.beginSequence()
		e.phase = PhaseBuffering
		e.fillSequence()
	case PhaseBuffering:
		e.fillSequence()
	}
}

func (e *Engine) beginSequence() {
	e.nUsed = 0
	e.lastTime = 0
	e.dict.reset()
	e.buf = e.buf[:0]
	e.hmac.reset(e.cfg.Key)
	e.hmac.update([]byte(e.token))
	e.needSeqLine = true

	if e.hideActive() {
		salt, err := generateSalt()
		if err != nil {
			e.fail(KindResource, "salt generation failed: %v", err)
			return
		}
		e.buf = append(e.buf, salt...)
	}
}

func (e *Engine) effectiveCap() uint32 {
	batchCap := e.nMax
	if e.cfg.MaxBatchSize > 0 && e.cfg.MaxBatchSize < batchCap {
		batchCap = e.cfg.MaxBatchSize
	}
	return batchCap
}

func (e *Engine) fillSequence() {
	if e.dead() {
		return
	}
	if e.needSeqLine {
		e.emitPayload([]byte(fmt.Sprintf("SEQ:%d,0,1,%d\n", e.seq, e.cfg.Format)))
		e.needSeqLine = false
	}

	batchCap := e.effectiveCap()
	for len(e.buf) < payloadLimit && e.nUsed < batchCap {
		consumed, err := e.consumeNext()
		if err != nil {
			e.fail(KindContract, "sample source error: %v", err)
			return
		}
		if e.dead() {
			// a row emitter failed the session (dictionary overflow)
			return
		}
		if !consumed {
			e.endOfData = true
			break
		}
	}

	if len(e.buf) >= payloadLimit || e.nUsed >= batchCap || e.endOfData {
		e.closeSequence()
	}
}

// consumeNext pulls one raw sample and either emits a wire row, retains
// it as the real half of a possible complex pair, or drops it as an
// unmatched 'R'/'I' half (spec §4.B, §8 invariant 7). Every consumed
// sample counts toward n_used, including dropped ones, so a FIFO-backed
// source can drop exactly the samples this sequence walked past once the
// server acknowledges. Returns consumed=false once the source is
// exhausted.
func (e *Engine) consumeNext() (bool, error) {
	s, ok, err := e.source.Next(e.nCommitted)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if e.cfg.Format == 1 {
		switch complexSuffix(s.Tag) {
		case 'R':
			// hold as a candidate real part; an earlier unmatched real
			// is silently dropped by the overwrite
			cp := s
			e.pendingReal = &cp
			e.nUsed++
			return true, nil
		case 'I':
			if e.pendingReal != nil && sameComplexGroup(*e.pendingReal, s) {
				e.emitComplexRow(*e.pendingReal, s)
			}
			e.pendingReal = nil
			e.nUsed++
			return true, nil
		}
		// a plain sample breaks any pending pairing
		e.pendingReal = nil
	}
	e.emitSingleRow(s)
	e.nUsed++
	return true, nil
}

func (e *Engine) dictKey(tag, sourceID string) string {
	if sourceID == "" {
		return tag
	}
	return sourceID + "\x00" + tag
}

// emitDictIfNeeded resolves the session dictionary index for the
// (sourceID, tag) pair, declaring it with a DICT: line on first use. The
// declared sensor name is the source id (the flashbase-prefixed device
// identity, empty in plain pull mode) followed by the tag.
func (e *Engine) emitDictIfNeeded(tag, sourceID string) (int, error) {
	idx, known, err := e.dict.lookup(e.dictKey(tag, sourceID))
	if err != nil {
		return 0, err
	}
	if !known {
		e.emitPayload([]byte(fmt.Sprintf("DICT:%d,,1,%s%s\n", idx, sourceID, tag)))
	}
	return idx, nil
}

func (e *Engine) emitSingleRow(s Sample) {
	idx, err := e.emitDictIfNeeded(s.Tag, s.SourceID)
	if err != nil {
		e.fail(KindResource, "%v", err)
		return
	}
	dt := int32(s.Timestamp) - int32(e.lastTime)
	e.lastTime = int64(s.Timestamp)
	var line string
	if e.cfg.Format == 1 {
		span := durationSpan(s.Duration)
		line = fmt.Sprintf("%d,%s,%d,%s\n", idx, formatDelta(dt), span, formatValue(s.Value, s.Decimals))
	} else {
		line = fmt.Sprintf("%d,%s,%s\n", idx, formatDelta(dt), formatValue(s.Value, s.Decimals))
	}
	e.emitPayload([]byte(line))
}

func (e *Engine) emitComplexRow(real, imag Sample) {
	tag := baseTag(real.Tag)
	idx, err := e.emitDictIfNeeded(tag, real.SourceID)
	if err != nil {
		e.fail(KindResource, "%v", err)
		return
	}
	dt := int32(real.Timestamp) - int32(e.lastTime)
	e.lastTime = int64(real.Timestamp)
	span := durationSpan(real.Duration)
	line := fmt.Sprintf("%d,%s,%d,%s,%s\n", idx, formatDelta(dt), span,
		formatValue(real.Value, real.Decimals), formatValue(imag.Value, imag.Decimals))
	e.emitPayload([]byte(line))
}

// emitPayload appends data to the outbound buffer and feeds it into the
// running sequence HMAC. It must never be called with salt bytes.
func (e *Engine) emitPayload(data []byte) {
	e.buf = append(e.buf, data...)
	e.hmac.update(data)
}

// closeSequence folds the HIDE pad (if any) into the HMAC, appends the
// SIG line, optionally encrypts the whole buffer, and submits it.
func (e *Engine) closeSequence() {
	if e.hideActive() {
		pad := padNewlines(e.buf, sigLineLength)
		e.hmac.update(pad)
		sigHex := e.hmac.finalHex()
		e.buf = append(e.buf, pad...)
		e.buf = append(e.buf, []byte(fmt.Sprintf("SIG:%s\n", sigHex))...)

		if _, err := e.hide.encrypt(e.buf); err != nil {
			e.fail(KindResource, "HIDE encryption failed: %v", err)
			return
		}
	} else {
		sigHex := e.hmac.finalHex()
		e.buf = append(e.buf, []byte(fmt.Sprintf("SIG:%s\n", sigHex))...)
	}

	log.Debugf("[S4PP][TX] seq=%d bytes=%d hide=%v", e.seq, len(e.buf), e.hideActive())

	buf := e.buf
	e.buf = nil
	if err := e.sendRaw(buf); err != nil {
		e.fail(KindNetwork, "send failed: %v", err)
		return
	}
	e.phase = PhaseCommitting
}
