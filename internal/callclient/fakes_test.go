package callclient

import (
	"context"
	"errors"
	"strings"
	"sync"

	"callrelay-backend/pkg/signaling"
)

type fakeMedia struct {
	role  TrackRole
	video bool

	mu      sync.Mutex
	audioOn bool
	videoOn bool
	stopped bool
}

func (m *fakeMedia) Role() TrackRole { return m.role }

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioOn = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoOn = enabled
	m.mu.Unlock()
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type fakeMediaSource struct {
	mu        sync.Mutex
	err       error
	screenErr error
	acquired  []*fakeMedia
}

func (s *fakeMediaSource) Acquire(_ context.Context, mode signaling.Mode) (LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	video := mode == signaling.ModeVideo
	m := &fakeMedia{role: TrackRoleCamera, video: video, audioOn: true, videoOn: video}
	s.acquired = append(s.acquired, m)
	return m, nil
}

func (s *fakeMediaSource) AcquireScreen(context.Context) (LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screenErr != nil {
		return nil, s.screenErr
	}
	m := &fakeMedia{role: TrackRoleScreen, video: true, videoOn: true}
	s.acquired = append(s.acquired, m)
	return m, nil
}

func (s *fakeMediaSource) all() []*fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeMedia(nil), s.acquired...)
}

const fakeCandidate = "candidate:1 1 udp 2130706431 192.0.2.10 54400 typ host"

// fakeTransport connects as soon as both descriptions are applied and
// reports remote tracks named in the remote description
type fakeTransport struct {
	ev            TransportEvents
	emitCandidate bool

	mu          sync.Mutex
	media       map[TrackRole]*fakeMedia
	hasLocal    bool
	hasRemote   bool
	connected   bool
	remoteSeen  map[TrackRole]bool
	candidates  []signaling.CandidateInit
	restarts    int
	rollbacks   int
	stats       Stats
	closed      bool
	holdRestart chan struct{}
}

func (t *fakeTransport) AddMedia(media LocalMedia) error {
	fm, ok := media.(*fakeMedia)
	if !ok {
		return errors.New("unexpected media")
	}
	t.mu.Lock()
	t.media[fm.role] = fm
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) RemoveMedia(role TrackRole) error {
	t.mu.Lock()
	delete(t.media, role)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) description() string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=msid:camera audio\r\n")
	if cam := t.media[TrackRoleCamera]; cam != nil && cam.video {
		b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=msid:camera video\r\n")
	}
	if t.media[TrackRoleScreen] != nil {
		b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 96\r\na=msid:screen video\r\n")
	}
	return b.String()
}

func (t *fakeTransport) CreateOffer(_ context.Context, iceRestart bool) (string, error) {
	t.mu.Lock()
	hold := t.holdRestart
	t.mu.Unlock()
	if iceRestart && hold != nil {
		<-hold
	}

	t.mu.Lock()
	first := !t.hasLocal
	t.hasLocal = true
	if iceRestart {
		t.restarts++
	}
	sdp := t.description()
	emit := first && t.emitCandidate
	t.mu.Unlock()

	if emit {
		go t.ev.OnCandidate(signaling.CandidateInit{Candidate: fakeCandidate})
	}
	return sdp, nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (string, error) {
	t.mu.Lock()
	t.hasLocal = true
	sdp := t.description()
	t.mu.Unlock()
	t.maybeConnect()
	return sdp, nil
}

func (t *fakeTransport) applyRemote(sdp string) {
	var found []TrackRole
	t.mu.Lock()
	t.hasRemote = true
	if strings.Contains(sdp, "msid:camera video") && !t.remoteSeen[TrackRoleCamera] {
		t.remoteSeen[TrackRoleCamera] = true
		found = append(found, TrackRoleCamera)
	}
	if strings.Contains(sdp, "msid:screen") && !t.remoteSeen[TrackRoleScreen] {
		t.remoteSeen[TrackRoleScreen] = true
		found = append(found, TrackRoleScreen)
	}
	t.mu.Unlock()

	for _, role := range found {
		t.ev.OnTrack(RemoteTrack{ID: string(role) + "-video", Kind: "video", Role: role})
	}
}

func (t *fakeTransport) SetRemoteOffer(_ context.Context, sdp string) error {
	t.applyRemote(sdp)
	return nil
}

func (t *fakeTransport) SetRemoteAnswer(_ context.Context, sdp string) error {
	t.applyRemote(sdp)
	t.maybeConnect()
	return nil
}

func (t *fakeTransport) maybeConnect() {
	t.mu.Lock()
	ready := t.hasLocal && t.hasRemote && !t.connected
	if ready {
		t.connected = true
	}
	t.mu.Unlock()
	if ready {
		go t.ev.OnStateChange(TransportConnected)
	}
}

func (t *fakeTransport) Rollback() error {
	t.mu.Lock()
	t.rollbacks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) AddCandidate(c signaling.CandidateInit) error {
	t.mu.Lock()
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Stats(context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// setState reports a transport state change synchronously
func (t *fakeTransport) setState(s TransportState) {
	t.ev.OnStateChange(s)
}

func (t *fakeTransport) candidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

func (t *fakeTransport) restartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	mu            sync.Mutex
	emitCandidate bool
	err           error
	created       []*fakeTransport
}

func (f *fakeFactory) NewTransport(events TransportEvents) (PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{
		ev:            events,
		emitCandidate: f.emitCandidate,
		media:         make(map[TrackRole]*fakeMedia),
		remoteSeen:    make(map[TrackRole]bool),
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
