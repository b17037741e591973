package process

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/ingestion/media"
	"github.com/zsiec/cadence/internal/ingestion/reconnect"
	"github.com/zsiec/cadence/internal/ingestion/session"
)

type fakeStream struct {
	initialized atomic.Bool
	empty       bool
	drops       atomic.Int32
}

func (f *fakeStream) Initialized() bool   { return f.initialized.Load() }
func (f *fakeStream) EmptyFrames() bool   { return f.empty }
func (f *fakeStream) OutputSize() float64 { return 0 }
func (f *fakeStream) Discard(n int) int   { return 0 }
func (f *fakeStream) Drop()               { f.drops.Add(1) }
func (f *fakeStream) Stop()               {}

// fakeProcess stands in for the decoder: it opens the write end of each pipe
// it was given and reports on its output.
type fakeProcess struct {
	out     *io.PipeReader
	outW    *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	writers map[media.Kind]*os.File
}

func (p *fakeProcess) Output() io.Reader     { return p.out }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Pid() int              { return 4242 }

func (p *fakeProcess) Terminate(time.Duration) error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		p.mu.Lock()
		for _, w := range p.writers {
			_ = w.Close()
		}
		p.mu.Unlock()
		_ = p.outW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) writer(kind media.Kind) *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writers[kind]
}

type fakeLauncher struct {
	// connect controls whether launched processes open their pipes.
	connect bool

	mu       sync.Mutex
	commands []Command
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, cmd Command) (Process, error) {
	pr, pw := io.Pipe()
	p := &fakeProcess{out: pr, outW: pw, done: make(chan struct{}), writers: map[media.Kind]*os.File{}}

	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	if l.connect {
		for kind, path := range map[media.Kind]string{media.KindVideo: cmd.Args[0], media.KindAudio: cmd.Args[1]} {
			if path == os.DevNull {
				continue
			}
			go func(kind media.Kind, path string) {
				f, err := os.OpenFile(path, os.O_WRONLY, 0)
				if err != nil {
					return
				}
				p.mu.Lock()
				p.writers[kind] = f
				p.mu.Unlock()
			}(kind, path)
		}
	}
	return p, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() (*fakeProcess, Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1], l.commands[len(l.commands)-1]
}

type fixture struct {
	sup      *Supervisor
	sess     *session.State
	video    *fakeStream
	audio    *fakeStream
	launcher *fakeLauncher
}

func newFixture(t *testing.T, connect bool, mutate func(*config.ProducerConfig), strategy reconnect.Strategy) *fixture {
	t.Helper()

	pc := config.Default().Ingestion.Producer
	if mutate != nil {
		mutate(&pc)
	}
	sess, err := session.New("sup-"+t.Name(), "rtsp://cam/1", pc)
	require.NoError(t, err)

	video := &fakeStream{empty: pc.NoVideo}
	audio := &fakeStream{empty: pc.NoAudio}
	sess.Attach(video, audio)

	procCfg := config.Default().Ingestion.Process
	procCfg.Binary = "decoder"
	procCfg.Args = []string{"{{.VideoPipe}}", "{{.AudioPipe}}", "{{.Optional}}", "{{.Resource}}"}
	procCfg.PipeDir = t.TempDir()
	procCfg.ConnectTimeout = 500 * time.Millisecond
	procCfg.ReadTimeout = time.Second

	if strategy == nil {
		strategy = reconnect.NewLinearBackoff(10*time.Millisecond, 0)
	}
	launcher := &fakeLauncher{connect: connect}
	sup, err := New(Options{
		Config:   procCfg,
		Session:  sess,
		Launcher: launcher,
		Strategy: strategy,
	})
	require.NoError(t, err)
	sup.Start()
	t.Cleanup(sup.Stop)

	return &fixture{sup: sup, sess: sess, video: video, audio: audio, launcher: launcher}
}

func waitReady(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatalf("decoder never became working, state %s", s.State())
	}
}

func TestSupervisor_LaunchAndConnect(t *testing.T) {
	f := newFixture(t, true, nil, nil)
	assert.Nil(t, f.sup.Pipe(media.KindVideo))

	f.sup.RequestRestart()
	waitReady(t, f.sup)

	assert.True(t, f.sup.Working())
	assert.Equal(t, StateWorking, f.sup.State())
	assert.EqualValues(t, 1, f.video.drops.Load())
	assert.EqualValues(t, 1, f.audio.drops.Load())

	proc, cmd := f.launcher.last()
	assert.Equal(t, "decoder", cmd.Binary)
	assert.Equal(t, "rtsp://cam/1", cmd.Args[len(cmd.Args)-1])

	// Bytes written by the decoder come out of the session channel.
	require.Eventually(t, func() bool { return proc.writer(media.KindAudio) != nil }, time.Second, 5*time.Millisecond)
	_, err := proc.writer(media.KindAudio).Write([]byte("pcm!"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	ch := f.sup.Pipe(media.KindAudio)
	require.NotNil(t, ch)
	n, err := io.ReadFull(ch, buf)
	require.NoError(t, err)
	assert.Equal(t, "pcm!", string(buf[:n]))

	stats := f.sup.Stats()
	assert.Equal(t, "working", stats.State)
	assert.EqualValues(t, 1, stats.Restarts)
	assert.Equal(t, 4242, stats.Pid)
}

func TestSupervisor_AudioDisabledUsesSinglePipe(t *testing.T) {
	f := newFixture(t, true, func(c *config.ProducerConfig) { c.NoAudio = true }, nil)

	f.sup.RequestRestart()
	waitReady(t, f.sup)

	_, cmd := f.launcher.last()
	assert.Equal(t, os.DevNull, cmd.Args[1])
	assert.NotNil(t, f.sup.Pipe(media.KindVideo))
	assert.Nil(t, f.sup.Pipe(media.KindAudio))
}

func TestSupervisor_ForcedRateAddsOptionalArgs(t *testing.T) {
	f := newFixture(t, true, func(c *config.ProducerConfig) {
		c.ForceInputFPS = 50
		c.ExtraParams = "-nocache"
	}, nil)

	f.sup.RequestRestart()
	waitReady(t, f.sup)

	_, cmd := f.launcher.last()
	assert.Equal(t, []string{"-fps", "50", "-nocache"}, cmd.Args[2:5])
}

func TestSupervisor_HandshakeTimeoutGivesUp(t *testing.T) {
	f := newFixture(t, false, nil, reconnect.NewLinearBackoff(5*time.Millisecond, 1))
	f.sup.RequestRestart()

	require.Eventually(t, func() bool {
		return f.launcher.launched() == 2 && f.sup.State() == StateFailed && !f.sup.busy.Load()
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, f.sup.Working())
	assert.EqualValues(t, 2, f.sup.Stats().Timeouts)

	// Each abandoned process was terminated.
	f.launcher.mu.Lock()
	procs := append([]*fakeProcess(nil), f.launcher.procs...)
	f.launcher.mu.Unlock()
	for _, p := range procs {
		select {
		case <-p.Done():
		default:
			t.Fatal("process left running")
		}
	}

	// A later request starts over.
	f.sup.RequestRestart()
	require.Eventually(t, func() bool { return f.launcher.launched() > 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisor_ProblemRelaunches(t *testing.T) {
	f := newFixture(t, true, nil, nil)
	f.sup.RequestRestart()
	waitReady(t, f.sup)
	first, _ := f.launcher.last()

	// A streaming reader fails; the supervisor waits for it to deinitialize.
	f.video.initialized.Store(true)
	f.audio.initialized.Store(true)
	f.sup.Problem()
	assert.False(t, f.sup.Working())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.launcher.launched(), "relaunch must wait for the inputs")

	f.video.initialized.Store(false)
	f.sess.NotifyInputChange()

	require.Eventually(t, func() bool { return f.launcher.launched() == 2 }, 3*time.Second, 5*time.Millisecond)
	waitReady(t, f.sup)

	select {
	case <-first.Done():
	default:
		t.Fatal("previous process still running")
	}
	assert.EqualValues(t, 2, f.sup.Stats().Restarts)
}

func TestSupervisor_RestartRequestsCoalesce(t *testing.T) {
	f := newFixture(t, true, nil, nil)
	for i := 0; i < 10; i++ {
		f.sup.RequestRestart()
	}
	waitReady(t, f.sup)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.launcher.launched())
}

func TestSupervisor_ProcessExitIsAProblem(t *testing.T) {
	f := newFixture(t, true, nil, nil)
	f.sup.RequestRestart()
	waitReady(t, f.sup)

	proc, _ := f.launcher.last()
	proc.exit()

	require.Eventually(t, func() bool { return f.launcher.launched() == 2 }, 3*time.Second, 5*time.Millisecond)
	waitReady(t, f.sup)
}

func TestSupervisor_Diagnostics(t *testing.T) {
	f := newFixture(t, true, func(c *config.ProducerConfig) {
		c.VariableFPS = true
		c.VariableFPSJT = 3
	}, nil)
	f.sup.RequestRestart()
	waitReady(t, f.sup)

	proc, _ := f.launcher.last()
	out := "PTS: 0.00\rPTS: 0.04\rPTS: 0.08\rPTS: 0.12\n" +
		"Cache fill: 12.00% (1024 bytes) 12%\n" +
		"RTP: missed 3\nRTP: missed 4\n"
	go func() { _, _ = proc.outW.Write([]byte(out)) }()

	require.Eventually(t, func() bool {
		st := f.sup.Stats()
		return st.MissedPackets == 7 && st.CacheFullness == 12
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 25.0, f.sess.InFPS())
	assert.InDelta(t, 0.12, f.sup.Stats().LastTimestamp, 1e-9)
}

func TestSupervisor_StopIsTerminal(t *testing.T) {
	f := newFixture(t, true, nil, nil)
	f.sup.RequestRestart()
	waitReady(t, f.sup)
	proc, _ := f.launcher.last()

	done := make(chan struct{})
	go func() {
		f.sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, StateStopped, f.sup.State())
	assert.False(t, f.sup.Working())
	assert.Nil(t, f.sup.Pipe(media.KindVideo))
	select {
	case <-proc.Done():
	default:
		t.Fatal("process not terminated")
	}

	f.sup.RequestRestart()
	f.sup.Problem()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.launcher.launched())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Config: config.ProcessConfig{Binary: "x"}})
	assert.Error(t, err)

	sess, err := session.New("s", "r", config.Default().Ingestion.Producer)
	require.NoError(t, err)
	_, err = New(Options{Session: sess})
	assert.Error(t, err)
}
