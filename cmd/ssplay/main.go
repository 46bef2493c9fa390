package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Eyevinn/streamsync/internal"
)

const (
	appName = "ssplay"
)

var usg = `%s plays a synthetic media stream back from an in-process
replication swarm: a broadcaster node feeds one video and one audio track
while a viewer node schedules playback, either live or from a position.
Released chunks and init segments are written to an output directory.

Usage of %s:
`

type options struct {
	stream   string
	dur      time.Duration
	position float64
	live     bool
	outDir   string
	logLevel string
	version  bool
}

func parseOptions(fs *flag.FlagSet, args []string) (*options, error) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, usg, appName, appName)
		fmt.Fprintf(os.Stderr, "%s [options]\n\noptions:\n", appName)
		fs.PrintDefaults()
	}

	opts := options{}
	fs.StringVar(&opts.stream, "stream", "demo", "stream name")
	fs.DurationVar(&opts.dur, "dur", 10*time.Second, "how long to play")
	fs.Float64Var(&opts.position, "position", 0, "playback position as a fraction of the stream (0 to 1)")
	fs.BoolVar(&opts.live, "live", true, "play at the live edge instead of a position")
	fs.StringVar(&opts.outDir, "out", "output", "output directory for init segments and chunk dumps")
	fs.StringVar(&opts.logLevel, "loglevel", internal.DefaultLogLevel(), "log level (debug, info, warn, error)")
	fs.BoolVar(&opts.version, "version", false, fmt.Sprintf("Get %s version", appName))
	err := fs.Parse(args[1:])
	return &opts, err
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	opts, err := parseOptions(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Printf("%s %s\n", appName, internal.GetVersion())
		return nil
	}
	level := internal.ParseLogLevel(opts.logLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return runPlay(opts)
}

func runPlay(opts *options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}

	network := internal.NewMemNetwork()
	caster, err := internal.NewIdentity()
	if err != nil {
		return err
	}
	viewer, err := internal.NewIdentity()
	if err != nil {
		return err
	}
	streamID := sha256.Sum256([]byte(opts.stream))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return broadcast(egCtx, network, caster, streamID, opts)
	})
	eg.Go(func() error {
		return play(egCtx, network, viewer, caster, streamID, opts)
	})
	return eg.Wait()
}

// broadcast feeds synthetic video and audio chunks for the configured
// duration, then ends the tracks.
func broadcast(ctx context.Context, network *internal.MemNetwork,
	caster *internal.Identity, streamID [32]byte, opts *options) error {
	db, err := internal.NewMediaStreamDB(internal.MediaStreamDBArgs{
		ID:    streamID,
		Owner: caster.PublicKey,
		Store: network.Client(caster),
	})
	if err != nil {
		return err
	}
	if err := db.Open(ctx, internal.OpenOptions{}); err != nil {
		return err
	}
	defer db.Close()

	origin := uint64(0)
	sources := []internal.TrackSource{
		internal.NewVideoSource(sha256.Sum256([]byte(opts.stream+"/video")),
			internal.AVCDecoderConfig(internal.SampleSPS, internal.SamplePPS)),
		internal.NewAudioSource(sha256.Sum256([]byte(opts.stream+"/audio")), 48000, 2),
	}
	gaps := []time.Duration{40 * time.Millisecond, 21 * time.Millisecond}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, src := range sources {
		track, err := internal.NewTrack(internal.TrackArgs{
			ID:         src.ID(),
			Source:     src,
			Sender:     caster.PublicKey,
			TimeOrigin: &origin,
		})
		if err != nil {
			return err
		}
		opened, release, err := db.OpenTrack(ctx, track)
		if err != nil {
			return err
		}
		defer release()
		if err := db.AddTrack(ctx, opened); err != nil {
			return err
		}
		gap := gaps[i]
		eg.Go(func() error {
			timeline := internal.NewSyntheticTimeline(opened.Kind(), uint64(gap.Microseconds()))
			ticker := time.NewTicker(gap)
			defer ticker.Stop()
			deadline := time.Now().Add(opts.dur)
			for time.Now().Before(deadline) {
				select {
				case <-egCtx.Done():
					return egCtx.Err()
				case <-ticker.C:
				}
				if err := opened.Put(egCtx, timeline.Next(), internal.TargetReplicators); err != nil {
					return err
				}
			}
			return db.SetEnd(egCtx, opened, nil)
		})
	}
	return eg.Wait()
}

// play opens the stream as a viewer, schedules playback and dumps released
// chunks to per-track files.
func play(ctx context.Context, network *internal.MemNetwork,
	viewer, caster *internal.Identity, streamID [32]byte, opts *options) error {
	db, err := internal.NewMediaStreamDB(internal.MediaStreamDBArgs{
		ID:    streamID,
		Owner: caster.PublicKey,
		Store: network.Client(viewer),
	})
	if err != nil {
		return err
	}
	if err := db.Open(ctx, internal.OpenOptions{}); err != nil {
		return err
	}
	defer db.Close()

	stopMax, err := db.ListenForMaxTimeChanges(ctx, false)
	if err != nil {
		return err
	}
	defer stopMax()

	dumps := make(map[[32]byte]*os.File)
	defer func() {
		for _, f := range dumps {
			f.Close()
		}
	}()
	sink := func(r internal.ChunkRelease) {
		f, ok := dumps[r.Track.ID]
		if !ok {
			f, err = openDump(opts.outDir, r.Track)
			if err != nil {
				slog.Warn("could not open dump file", "err", err)
				return
			}
			dumps[r.Track.ID] = f
		}
		if _, err := f.Write(r.Chunk.Payload); err != nil {
			slog.Warn("could not write chunk", "err", err)
		}
		slog.Debug("released chunk", "kind", r.Track.Kind().String(),
			"time_us", r.Track.StartTime+r.Chunk.Time, "chunkkind", r.Chunk.Kind.String())
	}

	progress := internal.LiveProgress()
	if !opts.live {
		// Positional playback needs a known max time first.
		waitForMaxTime(ctx, db)
		progress = internal.ProgressAt(opts.position)
	}
	it, err := db.Iterate(ctx, progress,
		internal.WithOnProgress(sink),
		internal.WithOnTrackChange(func(c internal.TrackChange) {
			if c.Add != nil {
				slog.Info("track starts playing", "kind", c.Add.Kind().String())
			}
			if c.Remove != nil {
				slog.Info("track stops playing", "kind", c.Remove.Kind().String())
			}
		}),
		internal.WithOnError(func(err error) {
			slog.Warn("playback error", "err", err)
		}),
	)
	if err != nil {
		return err
	}
	defer it.Close()

	deadline := time.NewTimer(opts.dur + 2*time.Second)
	defer deadline.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			slog.Info("playback done",
				"position_us", it.Time().Time, "lag_us", it.TotalLag())
			return nil
		case <-status.C:
			slog.Info("playing", "position_us", it.Time().Time,
				"lagging", it.IsLagging(), "tracks", len(it.Current()))
		}
	}
}

func openDump(dir string, t *internal.Track) (*os.File, error) {
	name := fmt.Sprintf("%s.chunks", t.Kind())
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	if init, err := deriveInit(t); err == nil {
		initName := fmt.Sprintf("%s_init.mp4", t.Kind())
		if err := os.WriteFile(filepath.Join(dir, initName), init, 0o644); err != nil {
			slog.Warn("could not write init segment", "err", err)
		}
	}
	return f, nil
}

func deriveInit(t *internal.Track) ([]byte, error) {
	type initer interface {
		InitSegment() ([]byte, error)
	}
	src, ok := t.Source.(initer)
	if !ok {
		return nil, fmt.Errorf("track source has no init segment")
	}
	return src.InitSegment()
}

// waitForMaxTime blocks until the stream's max time is known or ctx ends.
func waitForMaxTime(ctx context.Context, db *internal.MediaStreamDB) {
	for {
		if _, ok := db.MaxTime(); ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
