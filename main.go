package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/chrishulbert/MegaComet/bridge"
	"github.com/chrishulbert/MegaComet/config"
	"github.com/chrishulbert/MegaComet/manager"
	tp "github.com/chrishulbert/MegaComet/net/tcp/protocol"
	"github.com/chrishulbert/MegaComet/publisher"
	"github.com/chrishulbert/MegaComet/shard"
	"github.com/chrishulbert/MegaComet/worker"
)

const probeTimeout time.Duration = time.Second * 2

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	return config.Load(ctx.String("config"))
}

// signalContext is done on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func managerCmd() *cli.Command {
	return &cli.Command{
		Name:  "manager",
		Usage: "Run the manager relaying routes to workers",
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			mg, err := manager.NewManager(c)
			if err != nil {
				return err
			}

			sigctx, stop := signalContext(ctx.Context)
			defer stop()
			<-sigctx.Done() // wait
			log.Printf("%s: received signal, exiting", c.LogPrefix)

			mg.Shutdown()
			return nil
		},
	}
}

func workerCmd() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run one comet worker",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:     "index",
				Usage:    "worker index, within [0, worker_count)",
				Required: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			index := ctx.Uint("index")
			if index >= uint(c.WorkerCount) {
				return cli.Exit(fmt.Sprintf("invalid index=%d, worker_count=%d", index, c.WorkerCount), 2)
			}

			w, err := worker.NewWorker(c, uint8(index))
			if err != nil {
				return err
			}

			sigctx, stop := signalContext(ctx.Context)
			defer stop()

			select {
			case <-sigctx.Done():
				log.Printf("%s: received signal, exiting", c.LogPrefix)
				w.Shutdown()
				return nil
			case err = <-w.Fatal():
				log.Printf("%s: worker %d exiting, err=%s", c.LogPrefix, index, err.Error())
				w.Shutdown()
				return cli.Exit(err.Error(), 1)
			}
		},
	}
}

func allCmd() *cli.Command {
	return &cli.Command{
		Name:  "all",
		Usage: "Run the manager and every worker in one process",
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			mg, err := manager.NewManager(c)
			if err != nil {
				return err
			}
			defer mg.Shutdown()

			workers := make([]*worker.Worker, 0, c.WorkerCount)
			defer func() {
				for _, w := range workers {
					w.Shutdown()
				}
			}()

			for i := 0; i < int(c.WorkerCount); i++ {
				w, err := worker.NewWorker(c, uint8(i))
				if err != nil {
					return err
				}
				workers = append(workers, w)
			}

			sigctx, stop := signalContext(ctx.Context)
			defer stop()

			eg, egctx := errgroup.WithContext(sigctx)
			for i, w := range workers {
				i, w := i, w
				eg.Go(func() error {
					select {
					case <-egctx.Done():
						return nil
					case err := <-w.Fatal():
						return fmt.Errorf("worker %d: %w", i, err)
					}
				})
			}

			err = eg.Wait()
			if err != nil {
				log.Printf("%s: exiting, err=%s", c.LogPrefix, err.Error())
				return cli.Exit(err.Error(), 1)
			}
			log.Printf("%s: received signal, exiting", c.LogPrefix)
			return nil
		},
	}
}

func newPublisher(c *config.Config) (*publisher.Publisher, error) {
	return publisher.New(
		&publisher.Options{
			Address:     c.ManagerDialAddress(),
			WireVersion: tp.WireVersion(c.WireVersion),
			LogPrefix:   fmt.Sprintf("%s-Publisher", c.LogPrefix),
			LogDebug:    c.LogDebug,
		},
	)
}

func publishCmd() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Send a message to a client through the manager",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client", Usage: "destination client id", Required: true},
			&cli.StringFlag{Name: "message", Usage: "payload", Required: true},
			&cli.IntFlag{Name: "count", Usage: "number of copies to send", Value: 1},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			p, err := newPublisher(c)
			if err != nil {
				return err
			}
			defer p.Close()

			for i := 0; i < ctx.Int("count"); i++ {
				id, err := p.Publish(ctx.Context, ctx.String("client"), []byte(ctx.String("message")))
				if err != nil {
					return cli.Exit(err.Error(), 1)
				}
				fmt.Fprintln(ctx.App.Writer, id)
			}
			return nil
		},
	}
}

func routeCmd() *cli.Command {
	return &cli.Command{
		Name:  "route",
		Usage: "Print the worker serving a client id",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "client", Usage: "client id", Required: true},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			sharder, err := shard.NewSharder(shard.Version(c.HashVersion), int(c.WorkerCount))
			if err != nil {
				return err
			}

			clientID := ctx.String("client")
			index := sharder.WorkerFor([]byte(clientID))
			fmt.Fprintf(
				ctx.App.Writer,
				"%s -> worker %d, http://%s/%s.js\n",
				clientID,
				index,
				c.CometDialAddress(uint8(index)),
				clientID,
			)
			return nil
		},
	}
}

func probe(address string) error {
	conn, err := net.DialTimeout("tcp", address, probeTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Probe the manager and worker ports, exit 1 if any is down",
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			down := 0
			report := func(name string, address string) {
				err := probe(address)
				if err != nil {
					down++
					fmt.Fprintf(ctx.App.Writer, "%-10s %-21s down (%s)\n", name, address, err.Error())
					return
				}
				fmt.Fprintf(ctx.App.Writer, "%-10s %-21s up\n", name, address)
			}

			report("manager", c.ManagerDialAddress())
			for i := 0; i < int(c.WorkerCount); i++ {
				report(fmt.Sprintf("worker-%d", i), c.CometDialAddress(uint8(i)))
			}

			if down > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d down", down, int(c.WorkerCount)+1), 1)
			}
			return nil
		},
	}
}

func bridgeCmd() *cli.Command {
	return &cli.Command{
		Name:  "bridge",
		Usage: "Publish messages consumed from an AMQP queue",
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			sub, err := bridge.NewAMQPSubscriber(c)
			if err != nil {
				return err
			}
			defer sub.Close()

			p, err := newPublisher(c)
			if err != nil {
				return err
			}
			defer p.Close()

			b, err := bridge.New(
				&bridge.Options{
					Subscriber: sub,
					Publisher:  p,
					Topic:      c.AmqpQueue,
					LogPrefix:  fmt.Sprintf("%s-Bridge", c.LogPrefix),
					LogDebug:   c.LogDebug,
				},
			)
			if err != nil {
				return err
			}

			sigctx, stop := signalContext(ctx.Context)
			defer stop()

			err = b.Run(sigctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func main() {
	// enable microsecond and file line logging
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	app := &cli.App{
		Name:  "megacomet",
		Usage: "Sharded long-poll message delivery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a yaml, json or toml configuration file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			managerCmd(),
			workerCmd(),
			allCmd(),
			publishCmd(),
			routeCmd(),
			statusCmd(),
			bridgeCmd(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Printf("megacomet: %s", err.Error())
		var exitCoder cli.ExitCoder
		if errors.As(err, &exitCoder) {
			os.Exit(exitCoder.ExitCode())
		}
		os.Exit(1)
	}
}
