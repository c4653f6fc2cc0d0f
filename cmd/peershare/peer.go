package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/nevil1324/P2P/peer"
	"github.com/nevil1324/P2P/pkg/config"
	"github.com/nevil1324/P2P/pkg/discovery"
	"github.com/nevil1324/P2P/pkg/logger"
	"github.com/nevil1324/P2P/pkg/monitor"
	"github.com/nevil1324/P2P/pkg/ui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var downloadSeed int64

var peerCmd = &cobra.Command{
	Use:   "peer <seederIp:seederPort> <tracker-info-file> <tracker-index>",
	Short: "Start a peer (seeder + interactive leecher shell)",
	Args:  cobra.ExactArgs(3),
	RunE:  runPeer,
}

func runPeer(cmd *cobra.Command, args []string) error {
	seederAddr := args[0]
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("bad tracker index %q", args[2])
	}
	info, err := config.LoadTrackerInfo(args[1])
	if err != nil {
		return err
	}
	trackerAddr, err := info.Select(index)
	if err != nil {
		return err
	}

	generalLog, err := logger.New(seederAddr, "general")
	if err != nil {
		return err
	}
	seederLog, err := logger.New(seederAddr, "seeder")
	if err != nil {
		return err
	}
	leecherLog, err := logger.New(seederAddr, "leecher")
	if err != nil {
		return err
	}

	pieceIndex := peer.NewSharedPieceIndex()
	downloads := peer.NewDownloads()

	seeder := peer.NewSeeder(seederAddr, pieceIndex, seederLog)
	if err := seeder.Start(); err != nil {
		return err
	}
	fmt.Println("Seeder started listening!!")

	engine := peer.NewEngine(pieceIndex, downloads, seedFor(seederAddr), leecherLog)
	leecher := peer.NewLeecher(seederAddr, pieceIndex, downloads, engine, leecherLog)
	if err := leecher.ConnectTracker(trackerAddr); err != nil {
		return err
	}

	go monitor.LogPeriodic(generalLog, time.Minute)
	generalLog.Infof("[Peer] ready: seeder=%s tracker=%s", seederAddr, trackerAddr)

	prompt.New(
		func(in string) { peerExecutor(in, leecher, generalLog) },
		peerCompleter,
		prompt.OptionPrefix(">> "),
		prompt.OptionTitle("peershare"),
	).Run()
	return nil
}

// seedFor derives the RNG seed for piece selection. --seed pins it;
// otherwise it is derived from the endpoint so that peers on one machine do
// not mirror each other's choices.
func seedFor(endpoint string) int64 {
	if downloadSeed != 0 {
		return downloadSeed
	}
	h := fnv.New64a()
	h.Write([]byte(endpoint))
	return int64(h.Sum64())
}

func peerExecutor(in string, leecher *peer.Leecher, log *zap.SugaredLogger) {
	tokens := strings.Fields(in)
	if len(tokens) == 0 {
		return
	}

	switch tokens[0] {
	case "quit", "exit":
		leecher.Quit()
		os.Exit(0)
	case "help":
		printHelp()
	case "discover":
		discoverTrackers(log)
	default:
		if err := leecher.Execute(in); err != nil {
			ui.Errorf("Error: %v", err)
		}
	}
}

// discoverTrackers browses the LAN for advertised trackers for a couple of
// seconds and prints what it finds.
func discoverTrackers(log *zap.SugaredLogger) {
	resolver, err := discovery.NewResolver(log)
	if err != nil {
		ui.Errorf("Error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results, err := resolver.Browse(ctx)
	if err != nil {
		ui.Errorf("Error: %v", err)
		return
	}

	found := 0
	for info := range results {
		found++
		ui.Plainf("%s  %s:%d  %v", info.InstanceName, info.IPs[0], info.Port, info.Meta)
	}
	if found == 0 {
		ui.Advisef("No tracker advertised on the LAN!!")
	}
}

func printHelp() {
	ui.Plainf("Available commands:")
	ui.Plainf("  create_user <user> <password>")
	ui.Plainf("  login <user> <password>")
	ui.Plainf("  logout")
	ui.Plainf("  create_group <group>")
	ui.Plainf("  join_group <group>")
	ui.Plainf("  leave_group <group>")
	ui.Plainf("  list_requests <group>")
	ui.Plainf("  accept_request <group> <user>")
	ui.Plainf("  list_groups")
	ui.Plainf("  list_files <group>")
	ui.Plainf("  upload_file <path> <group>")
	ui.Plainf("  download_file <file> <group> <destPath>")
	ui.Plainf("  show_downloads")
	ui.Plainf("  stop_share <group> <file>")
	ui.Plainf("  discover")
	ui.Plainf("  quit | exit")
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "create_user", Description: "Create a new user account"},
		{Text: "login", Description: "Log in and advertise the seeder endpoint"},
		{Text: "logout", Description: "Log out of the current session"},
		{Text: "create_group", Description: "Create a group (you become admin)"},
		{Text: "join_group", Description: "Request to join a group"},
		{Text: "leave_group", Description: "Leave a group"},
		{Text: "list_requests", Description: "List pending join requests (admin only)"},
		{Text: "accept_request", Description: "Accept a pending join request (admin only)"},
		{Text: "list_groups", Description: "List all groups"},
		{Text: "list_files", Description: "List files shared in a group"},
		{Text: "upload_file", Description: "Share a local file with a group"},
		{Text: "download_file", Description: "Download a file from the group swarm"},
		{Text: "show_downloads", Description: "Show download statuses"},
		{Text: "stop_share", Description: "Stop sharing a file"},
		{Text: "discover", Description: "Browse for trackers on the LAN"},
		{Text: "help", Description: "Show help"},
		{Text: "exit", Description: "Log out and exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.Flags().Int64Var(&downloadSeed, "seed", 0, "RNG seed for piece-to-seeder selection (0 = derive from endpoint)")
}
