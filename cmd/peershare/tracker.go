package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nevil1324/P2P/pkg/config"
	"github.com/nevil1324/P2P/pkg/discovery"
	"github.com/nevil1324/P2P/pkg/logger"
	"github.com/nevil1324/P2P/tracker"
	"github.com/spf13/cobra"
)

var (
	trackerSecret string
	tokenTTL      time.Duration
	trackerMDNS   bool
)

var trackerCmd = &cobra.Command{
	Use:   "tracker <tracker-info-file> <tracker-index>",
	Short: "Start the tracker",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("bad tracker index %q", args[1])
		}
		info, err := config.LoadTrackerInfo(args[0])
		if err != nil {
			return err
		}
		addr, err := info.Select(index)
		if err != nil {
			return err
		}

		log, err := logger.New(addr, "tracker")
		if err != nil {
			return err
		}

		t := tracker.New(addr, trackerSecret, tokenTTL, log)
		if err := t.Start(); err != nil {
			return err
		}
		fmt.Printf("Tracker listening on %s\n", addr)

		advertiser := discovery.NewAdvertiser()
		if trackerMDNS {
			if _, portStr, err := net.SplitHostPort(addr); err == nil {
				if port, err := strconv.Atoi(portStr); err == nil {
					meta := map[string]string{"role": "tracker"}
					if err := advertiser.Start("", port, meta); err != nil {
						log.Errorf("[Tracker] mDNS advertisement failed: %v", err)
					} else {
						log.Infof("[Tracker] mDNS advertisement started: port=%d", port)
					}
				}
			}
		}

		// The main goroutine parks on the shutdown signal; connection
		// handling lives on its own goroutines.
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit

		advertiser.Stop()
		t.Stop()
		fmt.Println("Tracker stopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trackerCmd)
	trackerCmd.Flags().StringVar(&trackerSecret, "secret", "chin_tapak_dum_dum", "HMAC secret for session tokens")
	trackerCmd.Flags().DurationVar(&tokenTTL, "token-ttl", 10*time.Hour, "session token lifetime")
	trackerCmd.Flags().BoolVar(&trackerMDNS, "mdns", false, "advertise the tracker over mDNS on the LAN")
}
