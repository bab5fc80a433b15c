package transcript

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	lines   []string
	rosters [][]string
}

func (r *recorder) OnRosterChanged(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rosters = append(r.rosters, names)
}

func (r *recorder) OnLineAppended(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func TestLog_AppendNotifiesPresenter(t *testing.T) {
	req := require.New(t)
	rec := &recorder{}
	log := New(WithPresenter(rec))

	req.NoError(log.Append("<10:00:00> alice has connected\n"))
	req.NoError(log.Append("<10:00:05> alice: hi\n"))

	req.Equal(2, log.Len())
	req.Equal(log.Lines(), rec.lines)
}

func TestLog_LinesIsACopy(t *testing.T) {
	req := require.New(t)
	log := New()
	req.NoError(log.Append("one\n"))

	lines := log.Lines()
	lines[0] = "changed"

	req.Equal("one\n", log.Lines()[0])
}

func TestLog_SaveAndLoad(t *testing.T) {
	req := require.New(t)
	original := New()
	for _, line := range []string{"<10:00:00> alice has connected\n", "<10:00:01> alice: hi\n"} {
		req.NoError(original.Append(line))
	}

	var buf bytes.Buffer
	n, err := original.WriteTo(&buf)
	req.NoError(err)
	req.EqualValues(buf.Len(), n)

	loaded := New()
	req.NoError(loaded.Load(&buf))
	req.Equal(original.Lines(), loaded.Lines())
	req.Equal(original.String(), loaded.String())
}

func TestLog_LoadKeepsUnterminatedLine(t *testing.T) {
	req := require.New(t)
	log := New()

	req.NoError(log.Load(strings.NewReader("first\nsecond")))
	req.Equal([]string{"first\n", "second"}, log.Lines())
}

func TestLog_ConcurrentAppend(t *testing.T) {
	log := New()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Append("line\n")
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 16*50, log.Len())
}

func TestArchive_PersistsAcrossReopen(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "transcript.db")

	archive, err := OpenArchive(path)
	req.NoError(err)

	log := New(WithArchive(archive))
	req.NoError(log.Append("<10:00:00> Server has been started and is listening for connections on port 1234\n"))
	req.NoError(log.Append("<10:00:02> alice has connected\n"))
	req.NoError(archive.Close())

	reopened, err := OpenArchive(path)
	req.NoError(err)
	defer reopened.Close()

	lines, err := reopened.Lines()
	req.NoError(err)
	req.Equal(log.Lines(), lines)

	var buf bytes.Buffer
	_, err = reopened.WriteTo(&buf)
	req.NoError(err)
	req.Equal(log.String(), buf.String())
}

func TestArchive_OrderBeyondNineEntries(t *testing.T) {
	req := require.New(t)
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "order.db"))
	req.NoError(err)
	defer archive.Close()

	var want []string
	for i := 0; i < 300; i++ {
		line := strings.Repeat("x", i%7) + "\n"
		want = append(want, line)
		req.NoError(archive.Put(line))
	}

	got, err := archive.Lines()
	req.NoError(err)
	req.Equal(want, got)
}

func TestLog_LoadIsNotArchived(t *testing.T) {
	req := require.New(t)
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "seed.db"))
	req.NoError(err)
	defer archive.Close()

	log := New(WithArchive(archive))
	req.NoError(log.Load(strings.NewReader("<09:00:00> earlier\n<09:00:01> session\n")))
	req.NoError(log.Append("<10:00:00> alice has connected\n"))

	req.Equal(3, log.Len())
	archived, err := archive.Lines()
	req.NoError(err)
	req.Equal([]string{"<10:00:00> alice has connected\n"}, archived)
}
