package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"blockswap/api/rest"
	"blockswap/core/block"
	"blockswap/core/blockstore"
	"blockswap/core/cidutil"
	"blockswap/network/bootnode"
	"blockswap/network/dhtquery"
	"blockswap/network/dispatch"
	"blockswap/network/engine"
	"blockswap/network/node"
)

const version = "1.2.0"

var (
	// Global flags
	dbPath      string
	keyPath     string
	apiPort     int
	p2pPort     int
	verbose     bool
	bootnodes   string
	apiURL      string
	wantTimeout time.Duration

	// Global instances (initialized by the daemon)
	store     *blockstore.Blockstore
	p2pNode   *node.Node
	disp      *dispatch.Dispatcher
	eng       *engine.Engine
	apiServer *rest.Server
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "blockswap",
	Short: "Blockswap is a content-addressed block exchange node",
	Long: `Blockswap is a peer-to-peer block exchange node. Blocks are addressed by
CID and traded over libp2p using a want-list protocol: peers advertise what
they want, answer with blocks or presence information, and locate providers
through a Kademlia DHT.

It provides:
- Content-addressed block storage backed by LevelDB
- Want-list based block exchange over libp2p
- Provider discovery and announcement via DHT and gossip
- REST API for integration and operations`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// daemonCmd starts the blockswap daemon
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the blockswap daemon with REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		enableRest, _ := cmd.Flags().GetBool("enable-rest")

		if err := initAll(); err != nil {
			return err
		}
		defer cleanup()

		fmt.Printf("Blockswap daemon started\n")
		fmt.Printf("Node ID: %s\n", p2pNode.ID())
		fmt.Println("Addresses:")
		for _, addr := range p2pNode.Addrs() {
			fmt.Printf("  %s\n", addr)
		}

		if enableRest {
			apiServer = rest.NewServer(eng, store, p2pNode, disp.Ledger(), version)
			addr := fmt.Sprintf("0.0.0.0:%d", apiPort)
			fmt.Printf("REST API available at: http://%s\n", addr)

			go func() {
				if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
					log.Printf("REST API server error: %v", err)
				}
			}()
		}

		select {}
	},
}

// bootnodeCmd runs a standalone bootnode and relayer
var bootnodeCmd = &cobra.Command{
	Use:   "bootnode",
	Short: "Run a standalone bootnode and relayer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		bn, err := bootnode.New(ctx, bootnode.Config{
			KeyPath:   actualKeyPath(),
			P2PPort:   p2pPort,
			Bootnodes: splitBootnodes(),
		})
		if err != nil {
			return fmt.Errorf("failed to create bootnode: %w", err)
		}
		defer bn.Close()

		fmt.Println("Bootnode started successfully")
		fmt.Printf("Node ID: %s\n", bn.ID())
		fmt.Println("Addresses:")
		for _, addr := range bn.Addrs() {
			fmt.Printf("  %s\n", addr)
		}

		select {}
	},
}

// addCmd stores a file's bytes as a block
var addCmd = &cobra.Command{
	Use:   "add [file]",
	Short: "Add a file's contents as a block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		if shouldUseAPI() {
			if err := checkAPIConnection(); err != nil {
				return fmt.Errorf("API connection failed: %w", err)
			}
			return addViaAPI(data)
		}

		if err := initStorage(); err != nil {
			return err
		}
		defer store.Close()

		b := block.NewBlock(data)
		if err := store.Put(b); err != nil {
			return fmt.Errorf("failed to store block: %w", err)
		}

		fmt.Printf("Block added: %s\n", b.Cid())
		fmt.Printf("   Size: %d bytes\n", b.Size())
		return nil
	},
}

// getCmd retrieves a block by CID
var getCmd = &cobra.Command{
	Use:   "get [cid]",
	Short: "Retrieve a block by CID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		if shouldUseAPI() {
			if err := checkAPIConnection(); err != nil {
				return fmt.Errorf("API connection failed: %w", err)
			}
			return getViaAPI(args[0], output)
		}

		if err := initStorage(); err != nil {
			return err
		}
		defer store.Close()

		c, err := cidutil.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid CID: %w", err)
		}
		b, err := store.Get(c)
		if err != nil {
			return fmt.Errorf("block not found locally (start the daemon to fetch from the network): %w", err)
		}
		return writeBlockOutput(b.RawData(), output)
	},
}

// statCmd shows node statistics
var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show node statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if shouldUseAPI() {
			if err := checkAPIConnection(); err != nil {
				return fmt.Errorf("API connection failed: %w", err)
			}
			return printAPIJSON("/stats")
		}

		if err := initStorage(); err != nil {
			return err
		}
		defer store.Close()

		count, bytes, err := store.Stat()
		if err != nil {
			return fmt.Errorf("failed to read store stats: %w", err)
		}
		fmt.Printf("Blocks: %d\n", count)
		fmt.Printf("Bytes:  %d\n", bytes)
		return nil
	},
}

// wantlistCmd shows the node's current wantlist
var wantlistCmd = &cobra.Command{
	Use:   "wantlist [peer]",
	Short: "Show the node's wantlist, or the wants recorded for a peer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !shouldUseAPI() {
			return fmt.Errorf("wantlist command requires a running daemon (set --api)")
		}
		if err := checkAPIConnection(); err != nil {
			return fmt.Errorf("API connection failed: %w", err)
		}
		path := "/wantlist"
		if len(args) == 1 {
			path = "/wantlist/" + args[0]
		}
		return printAPIJSON(path)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./blockswap.db", "Database path")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key-path", "", "Path to the node's private key file")
	rootCmd.PersistentFlags().IntVar(&apiPort, "api-port", 8080, "REST API port")
	rootCmd.PersistentFlags().IntVar(&p2pPort, "p2p-port", 0, "P2P port (0 for random)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&bootnodes, "bootnode", "", "Comma-separated list of bootnode addresses")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "REST API URL for remote operations")
	rootCmd.PersistentFlags().DurationVar(&wantTimeout, "want-timeout", engine.DefaultWantTimeout, "How long a block fetch waits before timing out")

	daemonCmd.Flags().Bool("enable-rest", true, "Enable REST API")
	getCmd.Flags().StringP("output", "o", "", "Write the block to a file instead of stdout")

	rootCmd.AddCommand(daemonCmd, bootnodeCmd, addCmd, getCmd, statCmd, wantlistCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initStorage initializes the block store
func initStorage() error {
	var err error
	store, err = blockstore.NewBlockstore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize blockstore: %w", err)
	}
	return nil
}

// initAll wires the full node together: store, host, dispatch, DHT queries,
// and the exchange engine.
func initAll() error {
	if err := initStorage(); err != nil {
		return err
	}

	ctx := context.Background()
	var err error
	p2pNode, err = node.New(ctx, node.Config{
		KeyPath:   actualKeyPath(),
		P2PPort:   p2pPort,
		Bootnodes: splitBootnodes(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize libp2p node: %w", err)
	}

	disp = dispatch.NewDispatcher(ctx, p2pNode.Host(), dispatch.Config{})
	queries := dhtquery.NewManager(ctx, p2pNode.DHT(), dhtquery.DefaultQueryTimeout)

	eng = engine.New(ctx, store, disp, queries, p2pNode, engine.Config{
		WantTimeout: wantTimeout,
	})
	disp.SetReceiver(eng)
	eng.SetAnnouncer(p2pNode)

	if err := p2pNode.SubscribeAnnounces(eng.HandleAnnounce); err != nil {
		return fmt.Errorf("failed to subscribe to announcements: %w", err)
	}
	return nil
}

// cleanup closes all components
func cleanup() {
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Stop(ctx); err != nil {
			log.Printf("Failed to stop API server: %v", err)
		}
	}
	if eng != nil {
		eng.Close()
	}
	if disp != nil {
		disp.Shutdown()
	}
	if p2pNode != nil {
		p2pNode.Close()
	}
	if store != nil {
		store.Close()
	}
}

func actualKeyPath() string {
	if keyPath != "" {
		return keyPath
	}
	return filepath.Join(dbPath, "peer.key")
}

func splitBootnodes() []string {
	if bootnodes == "" {
		return nil
	}
	addrs := strings.Split(bootnodes, ",")
	for i, addr := range addrs {
		addrs[i] = strings.TrimSpace(addr)
	}
	return addrs
}

// shouldUseAPI reports whether operations should go through a running daemon.
func shouldUseAPI() bool {
	return apiURL != ""
}

// checkAPIConnection verifies the daemon's API answers.
func checkAPIConnection() error {
	resp, err := http.Get(apiURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

func addViaAPI(data []byte) error {
	resp, err := http.Post(apiURL+"/block", "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var blockResp rest.BlockResponse
	if err := json.Unmarshal(body, &blockResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	fmt.Printf("Block added: %s\n", blockResp.Cid)
	fmt.Printf("   Size: %d bytes\n", blockResp.Size)
	return nil
}

func getViaAPI(cidStr, output string) error {
	url := fmt.Sprintf("%s/block/%s?timeout=%d", apiURL, cidStr, int(wantTimeout.Seconds()))
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("fetch failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read block: %w", err)
	}
	return writeBlockOutput(data, output)
}

func printAPIJSON(path string) error {
	resp, err := http.Get(apiURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func writeBlockOutput(data []byte, output string) error {
	if output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), output)
	return nil
}
