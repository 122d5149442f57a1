package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/walkie/internal/demux"
	"github.com/dgnsrekt/walkie/internal/pcm"
	"github.com/dgnsrekt/walkie/internal/ptt"
)

// Extension is the suffix of every archived transmission.
const Extension = ".wav.zst"

var (
	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("archive entry not found")

	// ErrInvalidName is returned for names that are not archive entries.
	ErrInvalidName = errors.New("invalid archive entry name")

	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// Entry describes one archived transmission.
type Entry struct {
	Name      string
	Sender    string
	Timestamp time.Time
	Size      int64 // on disk, compressed
}

// Stats counts archive activity.
type Stats struct {
	Saved        int64
	Dropped      int64 // binary payloads that arrived without metadata
	BytesWritten int64 // compressed
	BytesRaw     int64 // containerized, before compression
	LastSave     time.Time
}

// recording accumulates one sender's transmission until it stops.
type recording struct {
	started int64
	meta    ptt.Metadata
	hasMeta bool
	audio   []byte
}

// Archive writes each completed received transmission to dir as a
// zstd-compressed WAV file.
type Archive struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu      sync.Mutex
	pending map[string]*recording
	stats   Stats

	wg sync.WaitGroup
}

// New opens an archive rooted at dir, creating it if needed.
// level is a zstd level from 1 to 22; anything else selects the default.
func New(dir string, level int) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Archive{
		dir:     dir,
		encoder: encoder,
		decoder: decoder,
		pending: make(map[string]*recording),
	}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Attach records every event the demultiplexer dispatches.
func (a *Archive) Attach(d *demux.Demultiplexer) (detach func()) {
	cancels := []demux.CancelFunc{
		d.On(ptt.EventStarted, a.Handle),
		d.On(ptt.EventMetadata, a.Handle),
		d.On(ptt.EventBinary, a.Handle),
		d.On(ptt.EventStopped, a.Handle),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

// Handle folds one event into the sender's pending recording. A Stopped
// event completes the recording and writes it in the background.
func (a *Archive) Handle(ev ptt.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.pending[ev.Sender]

	switch ev.Kind {
	case ptt.EventStarted:
		a.pending[ev.Sender] = &recording{started: ev.Timestamp}

	case ptt.EventMetadata:
		if rec == nil {
			rec = &recording{started: ev.Timestamp}
			a.pending[ev.Sender] = rec
		}
		if rec.hasMeta && rec.meta != ev.Metadata && len(rec.audio) > 0 {
			// The format changed mid-transmission: keep what we have as its own entry.
			a.saveAsync(ev.Sender, rec)
			rec = &recording{started: ev.Timestamp}
			a.pending[ev.Sender] = rec
		}
		rec.meta = ev.Metadata
		rec.hasMeta = true

	case ptt.EventBinary:
		if rec == nil || !rec.hasMeta {
			a.stats.Dropped++
			return
		}
		rec.audio = append(rec.audio, ev.Audio...)

	case ptt.EventStopped:
		delete(a.pending, ev.Sender)
		if rec != nil && rec.hasMeta && len(rec.audio) > 0 {
			a.saveAsync(ev.Sender, rec)
		}
	}
}

// saveAsync must be called with a.mu held.
func (a *Archive) saveAsync(sender string, rec *recording) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if _, err := a.Save(sender, rec.started, rec.meta, rec.audio); err != nil {
			log.Error("failed to archive transmission", "sender", sender, "error", err)
		}
	}()
}

// Save containerizes pcm body under meta and writes it as a new entry.
func (a *Archive) Save(sender string, ts int64, meta ptt.Metadata, body []byte) (Entry, error) {
	if err := meta.Validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid metadata: %w", err)
	}

	wav := pcm.Containerize(pcm.OptionsFor(meta), body)
	compressed := a.encoder.EncodeAll(wav, nil)

	name := EntryName(sender, ts)
	if err := writeFile(filepath.Join(a.dir, name), compressed); err != nil {
		return Entry{}, fmt.Errorf("failed to write %s: %w", name, err)
	}

	a.mu.Lock()
	a.stats.Saved++
	a.stats.BytesWritten += int64(len(compressed))
	a.stats.BytesRaw += int64(len(wav))
	a.stats.LastSave = time.Now()
	a.mu.Unlock()

	log.Info("archived transmission",
		"name", name,
		"duration", duration(meta, len(body)),
		"size", humanize.Bytes(uint64(len(compressed))),
		"raw", humanize.Bytes(uint64(len(wav))))

	return Entry{
		Name:      name,
		Sender:    sender,
		Timestamp: time.UnixMilli(ts),
		Size:      int64(len(compressed)),
	}, nil
}

// List returns every entry, oldest first.
func (a *Archive) List() ([]Entry, error) {
	dirents, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		entry, err := ParseName(de.Name())
		if err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry.Size = info.Size()
		entries = append(entries, entry)
	}

	slices.SortFunc(entries, func(x, y Entry) int {
		if c := x.Timestamp.Compare(y.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(x.Name, y.Name)
	})
	return entries, nil
}

// Open returns the decompressed WAV bytes of the named entry.
func (a *Archive) Open(name string) ([]byte, error) {
	if _, err := ParseName(name); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(a.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}

	wav, err := a.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
	}
	return wav, nil
}

// Export writes the decompressed WAV of the named entry to w.
func (a *Archive) Export(name string, w io.Writer) (int64, error) {
	wav, err := a.Open(name)
	if err != nil {
		return 0, err
	}
	if _, err := pcm.ParseHeader(wav); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	n, err := w.Write(wav)
	return int64(n), err
}

// RemoveOlderThan deletes entries recorded before cutoff.
func (a *Archive) RemoveOlderThan(cutoff time.Time) (int, error) {
	entries, err := a.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.Timestamp.Before(cutoff) {
			break
		}
		if err := os.Remove(filepath.Join(a.dir, e.Name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Pending returns the number of senders with an incomplete transmission.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Stats returns archive statistics.
func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Flush waits for background writes to finish.
func (a *Archive) Flush() {
	a.wg.Wait()
}

// Close waits for background writes and releases the codecs.
// Incomplete transmissions are discarded.
func (a *Archive) Close() error {
	a.wg.Wait()

	a.mu.Lock()
	if n := len(a.pending); n > 0 {
		log.Debug("discarding incomplete transmissions", "count", n)
	}
	clear(a.pending)
	a.mu.Unlock()

	a.decoder.Close()
	return a.encoder.Close()
}

// EntryName returns the file name for a transmission.
func EntryName(sender string, ts int64) string {
	s := unsafeChars.ReplaceAllString(sender, "_")
	if s == "" {
		s = "unknown"
	}
	return s + "-" + strconv.FormatInt(ts, 10) + Extension
}

// ParseName splits an entry name into sender and timestamp.
func ParseName(name string) (Entry, error) {
	if filepath.Base(name) != name {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	stem, ok := strings.CutSuffix(name, Extension)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	i := strings.LastIndexByte(stem, '-')
	if i <= 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	ts, err := strconv.ParseInt(stem[i+1:], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return Entry{Name: name, Sender: stem[:i], Timestamp: time.UnixMilli(ts)}, nil
}

func duration(meta ptt.Metadata, bodySize int) time.Duration {
	frames := bodySize / max(meta.BytesPerSample()*meta.Channels, 1)
	return time.Duration(frames) * time.Second / time.Duration(meta.SampleRate)
}

func writeFile(path string, data []byte) error {
	// Write to temp file first, then rename (atomic on most systems)
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}
