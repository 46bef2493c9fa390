package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Eyevinn/streamsync/internal"
)

const (
	appName = "sscast"
)

var usg = `%s broadcasts a synthetic media stream into an in-process
replication swarm: one video and one audio track, with a configurable number
of relay nodes replicating every track by default.

Usage of %s:
`

type options struct {
	stream   string
	dur      time.Duration
	relays   int
	videoGap time.Duration
	audioGap time.Duration
	metrics  string
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
	fs.DurationVar(&opts.dur, "dur", 10*time.Second, "broadcast duration")
	fs.IntVar(&opts.relays, "relays", 2, "number of relay nodes")
	fs.DurationVar(&opts.videoGap, "videogap", 40*time.Millisecond, "video chunk interval")
	fs.DurationVar(&opts.audioGap, "audiogap", 21*time.Millisecond, "audio chunk interval")
	fs.StringVar(&opts.metrics, "metrics", "", "expose Prometheus metrics on this address (e.g. :9090)")
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
	return runCast(opts)
}

func runCast(opts *options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := internal.NewMemNetwork()
	caster, err := internal.NewIdentity()
	if err != nil {
		return err
	}
	streamID := sha256.Sum256([]byte(opts.stream))

	metrics := internal.NewMetrics()
	db, err := internal.NewMediaStreamDB(internal.MediaStreamDBArgs{
		ID:      streamID,
		Owner:   caster.PublicKey,
		Store:   network.Client(caster),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := db.Open(ctx, internal.OpenOptions{}); err != nil {
		return err
	}
	defer db.Close()

	if opts.metrics != "" {
		go func() {
			slog.Info("metrics listening", "addr", opts.metrics)
			if err := http.ListenAndServe(opts.metrics, metrics.Handler()); err != nil {
				slog.Error("metrics server failed", "err", err)
			}
		}()
	}

	stopMax, err := db.ListenForMaxTimeChanges(ctx, false)
	if err != nil {
		return err
	}
	defer stopMax()
	unsubMax := db.OnMaxTimeChange(func(t uint64) {
		slog.Debug("max time", "us", t)
	})
	defer unsubMax()

	stopRepl, err := db.ListenForReplicationInfo(ctx)
	if err != nil {
		return err
	}
	defer stopRepl()
	unsubRepl := db.OnReplicationInfo(func(info internal.ReplicationInfo) {
		slog.Info("replication changed", "track", info.Track.Kind().String(), "hash", info.Hash)
	})
	defer unsubRepl()

	relays, err := startRelays(ctx, network, streamID, caster, opts.relays)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range relays {
			r.Close()
		}
	}()

	video, err := newTrack(db, internal.NewVideoSource(
		sha256.Sum256([]byte(opts.stream+"/video")),
		internal.AVCDecoderConfig(internal.SampleSPS, internal.SamplePPS)), caster)
	if err != nil {
		return err
	}
	audio, err := newTrack(db, internal.NewAudioSource(
		sha256.Sum256([]byte(opts.stream+"/audio")), 48000, 2), caster)
	if err != nil {
		return err
	}

	tracks := []*internal.Track{video, audio}
	gaps := []time.Duration{opts.videoGap, opts.audioGap}
	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range tracks {
		opened, release, err := db.OpenTrack(ctx, t)
		if err != nil {
			return err
		}
		defer release()
		if err := db.AddTrack(ctx, opened); err != nil {
			return err
		}
		if opts.relays > 0 {
			if err := opened.Source.WaitForReplicators(ctx); err != nil {
				return fmt.Errorf("no replicators for %s track: %w", opened.Kind(), err)
			}
		}
		if desc, err := opened.Source.Description(); err == nil {
			slog.Info("casting track", "kind", desc.Kind.String(), "codec", desc.Codec,
				"width", desc.Width, "height", desc.Height,
				"samplerate", desc.SampleRate, "channels", desc.Channels)
		}
		gap := gaps[i]
		track := opened
		eg.Go(func() error {
			return castTrack(egCtx, db, track, gap, opts.dur)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if maxTime, ok := db.MaxTime(); ok {
		slog.Info("broadcast done", "maxtime_us", maxTime)
	}
	return nil
}

func newTrack(db *internal.MediaStreamDB, src internal.TrackSource, caster *internal.Identity) (*internal.Track, error) {
	origin := uint64(0)
	return internal.NewTrack(internal.TrackArgs{
		ID:         src.ID(),
		Source:     src,
		Sender:     caster.PublicKey,
		TimeOrigin: &origin,
	})
}

// castTrack feeds synthetic chunks on a fixed cadence, then closes the track.
func castTrack(ctx context.Context, db *internal.MediaStreamDB, t *internal.Track, gap, dur time.Duration) error {
	timeline := internal.NewSyntheticTimeline(t.Kind(), uint64(gap.Microseconds()))
	ticker := time.NewTicker(gap)
	defer ticker.Stop()
	deadline := time.Now().Add(dur)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := t.Put(ctx, timeline.Next(), internal.TargetReplicators); err != nil {
			return fmt.Errorf("could not append %s chunk: %w", t.Kind(), err)
		}
	}
	if err := db.SetEnd(ctx, t, nil); err != nil {
		return err
	}
	slog.Info("track ended", "kind", t.Kind().String())
	return nil
}

// startRelays spins up nodes that open the stream and replicate every
// announced track in full.
func startRelays(ctx context.Context, network *internal.MemNetwork, streamID [32]byte,
	caster *internal.Identity, n int) ([]*internal.MediaStreamDB, error) {
	relays := make([]*internal.MediaStreamDB, 0, n)
	for i := 0; i < n; i++ {
		id, err := internal.NewIdentity()
		if err != nil {
			return relays, err
		}
		rdb, err := internal.NewMediaStreamDB(internal.MediaStreamDBArgs{
			ID:    streamID,
			Owner: caster.PublicKey,
			Store: network.Client(id),
		})
		if err != nil {
			return relays, err
		}
		if err := rdb.Open(ctx, internal.OpenOptions{ReplicateTracksByDefault: true}); err != nil {
			return relays, err
		}
		slog.Debug("relay started", "relay", i, "identity", id.Hash()[:8])
		relays = append(relays, rdb)
	}
	return relays, nil
}
