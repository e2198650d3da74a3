package main

import (
	"context"
	"drone-delivery-service/internal/config"
	"drone-delivery-service/internal/realtime"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// trackctl follows one order the way a customer or restaurant screen does:
// socket push plus periodic pull, reduced into one view printed on change.
func main() {
	cfg, err := config.Load(config.Get("CONFIG_PATH", ""))
	if err != nil {
		log.Fatal(err)
	}

	opts, err := parseFlags(cfg, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reducer := realtime.NewReducer()
	reducer.OnChange = printView

	obs := realtime.NewObserver(opts.base, opts.order, opts.poll, reducer)
	if err := obs.Run(ctx); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	base  string
	order string
	poll  time.Duration
}

// parseFlags takes its defaults from the loaded configuration, so the poll
// interval matches what the server was configured with unless overridden.
func parseFlags(cfg config.Config, args []string) (options, error) {
	fs := flag.NewFlagSet("trackctl", flag.ContinueOnError)

	var o options
	fs.StringVar(&o.base, "base", config.Get("TRACK_BASE_URL", "http://localhost:"+cfg.Port), "server base URL")
	fs.StringVar(&o.order, "order", "", "order id to follow")
	fs.DurationVar(&o.poll, "poll", cfg.Delivery.PollInterval, "snapshot poll interval")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.order == "" {
		return options{}, errors.New("usage: trackctl -order <id> [-base URL] [-poll DURATION]")
	}
	if o.poll <= 0 {
		return options{}, fmt.Errorf("poll interval must be positive, got %s", o.poll)
	}
	return o, nil
}

func printView(v realtime.OrderView) {
	line := fmt.Sprintf("%s order=%s status=%s v%d",
		time.Now().Format(time.TimeOnly), v.OrderID, v.Status, v.Version)

	if v.DroneID != "" {
		line += " drone=" + v.DroneID
	}
	if v.Position != nil {
		leg := "out"
		if v.Returning {
			leg = "home"
		}
		line += fmt.Sprintf(" leg=%s pos=%.5f,%.5f pct=%.1f eta=%.1fm",
			leg, v.Position.Lat, v.Position.Lon, v.Percent, v.ETAMinutes)
	}
	if v.DroneHome {
		line += " drone_home=true"
	}
	if v.Refund != nil {
		line += fmt.Sprintf(" refund=%d", v.Refund.Amount)
	}

	fmt.Println(line)
}
