package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astimoq"
	astilibav "github.com/asticode/go-astimoq/libav"
	astimoqlite "github.com/asticode/go-astimoq/moqlite"
	"golang.org/x/sync/errgroup"
)

const renderPeriod = 10 * time.Millisecond

func main() {
	// Parse flags
	flag.Parse()

	// Create logger
	l := log.New(log.Writer(), log.Prefix(), log.Flags())

	// Create configuration
	c, err := newConfiguration()
	if err != nil {
		l.Fatal(fmt.Errorf("main: creating configuration failed: %w", err))
	}

	// Handle signals
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create event handler
	eh := astimoq.NewEventHandler()

	// Log event handler
	defer eh.Log(astimoq.EventHandlerLogOptions{
		Adapters: []astimoq.EventHandlerLogAdapter{
			astimoq.WithMessageMerging(c.Log.MessageMergingPeriod),
			astilibav.WithLog(astilibav.LogOptions{Level: astiav.LogLevelInfo}),
		},
		Logger: l,
	}).Start(ctx).Close()

	// Create metrics
	m := astimoq.NewMetrics()

	// Create stater
	var s *astimoq.Stater
	if c.Stats.Period > 0 {
		s = astimoq.NewStater(c.Stats.Period, eh)
		s.AddStats(nil, astimoq.PSUtilStatOptions())
	}

	// Create transport
	t := astimoqlite.NewTransport(astimoqlite.TransportOptions{
		HandshakeTimeout:   c.Transport.HandshakeTimeout,
		InsecureSkipVerify: c.Transport.InsecureSkipVerify,
		Logger:             l,
	})
	defer t.Close()

	// Create queue
	q := astimoq.NewQueue(astimoq.QueueOptions{
		AudioCapacity: c.Source.QueueCapacity,
		VideoCapacity: c.Source.QueueCapacity,
	})

	// Create source
	src := astimoq.NewSource(astimoq.SourceOptions{
		Codecs:       astilibav.NewFactory(),
		EventHandler: eh,
		Logger:       l,
		Metrics:      m,
		Sink:         q,
		Stater:       s,
		TrackLatency: c.Source.TrackLatency,
		Transport:    t,
	})
	defer src.Close()

	// Create server
	var srv *astimoq.Server
	if c.Server.Addr != "" {
		srv = astimoq.NewServer(astimoq.ServerOptions{
			Logger:  l,
			Metrics: m,
			Source:  src,
		})
		srv.EventHandlerAdapter(eh)
		defer srv.Close()
	}

	// Create group
	g, ctx := errgroup.WithContext(ctx)

	// Start stater
	if s != nil {
		g.Go(func() error {
			s.Start(ctx)
			return nil
		})
		defer s.Stop()
	}

	// Serve
	if srv != nil {
		hs := &http.Server{
			Addr:    c.Server.Addr,
			Handler: srv.Handler(),
		}
		g.Go(func() error {
			l.Printf("main: serving on %s", c.Server.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("main: serving failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return hs.Shutdown(sctx)
		})
	}

	// Render
	g.Go(func() error {
		render(ctx, q, srv)
		return nil
	})

	// Activate
	if st := c.Source.Settings(); !st.IsEmpty() {
		if err = src.Activate(st); err != nil {
			l.Println(fmt.Errorf("main: activating source failed: %w", err))
		}
	}

	// Wait
	if err = g.Wait(); err != nil {
		l.Println(err)
	}
}

// render pulls decoded frames the way a host render thread would
func render(ctx context.Context, q *astimoq.Queue, srv *astimoq.Server) {
	t := time.NewTicker(renderPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Video
			for {
				f, ok := q.NextVideo()
				if !ok {
					break
				}
				if srv != nil {
					srv.SetSnapshot(f)
				}
			}

			// Audio
			for {
				if _, ok := q.NextAudio(); !ok {
					break
				}
			}
		}
	}
}
