// Command kaidosd runs a node daemon (init, start) and doubles as a thin
// operator CLI that talks to a running node's peer API (add-peer,
// list-peers, mine, blocks, transactions, debug, send, utxos, consensus).
// Subcommand dispatch follows the teacher's cli.CommandLine shape: a
// flag.FlagSet per subcommand and a switch over os.Args[1].
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jolovicdev/kaidos/chain"
	"github.com/jolovicdev/kaidos/chain/mempool"
	"github.com/jolovicdev/kaidos/chain/store"
	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/chain/utxo"
	"github.com/jolovicdev/kaidos/network"
	"github.com/jolovicdev/kaidos/wallet"
)

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println(" init -dir DIR - create a fresh chain database with its genesis block")
	fmt.Println(" start [-config FILE] [-dir DIR] [-listen ADDR] [-miner ADDR] [-mine] - run the node daemon")
	fmt.Println(" add-peer -node ADDR -peer ADDR - register a peer with a running node")
	fmt.Println(" list-peers -node ADDR - list a running node's known peers")
	fmt.Println(" mine -node ADDR -miner ADDR - mine one block on a running node")
	fmt.Println(" blocks -node ADDR [-start N] [-end N] - list blocks from a running node")
	fmt.Println(" transactions -node ADDR - list a running node's pending transactions")
	fmt.Println(" send -node ADDR - submit a transaction (JSON on stdin) to a running node")
	fmt.Println(" debug -node ADDR - run the admission diagnostic (JSON on stdin) against a running node")
	fmt.Println(" utxos -node ADDR -address ADDR - list UTXOs and balance for an address")
	fmt.Println(" consensus -node ADDR - trigger a consensus sweep on a running node")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmd := flag.NewFlagSet("init", flag.ExitOnError)
		dir := cmd.String("dir", "./data", "data directory for the chain database")
		cmd.Parse(os.Args[2:])
		runInit(*dir)

	case "start":
		cmd := flag.NewFlagSet("start", flag.ExitOnError)
		configPath := cmd.String("config", "", "path to a NodeConfig JSON file")
		dir := cmd.String("dir", "", "override data_dir")
		listen := cmd.String("listen", "", "override listen_addr")
		miner := cmd.String("miner", "", "override miner_address")
		mine := cmd.Bool("mine", false, "enable mining")
		cmd.Parse(os.Args[2:])
		runStart(*configPath, *dir, *listen, *miner, *mine)

	case "add-peer":
		cmd := flag.NewFlagSet("add-peer", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		peer := cmd.String("peer", "", "peer address to register")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *peer)
		postJSON(*node, "/peers", map[string]string{"address": *peer})

	case "list-peers":
		cmd := flag.NewFlagSet("list-peers", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		get(*node, "/peers")

	case "mine":
		cmd := flag.NewFlagSet("mine", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		miner := cmd.String("miner", "", "address to receive the block reward")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *miner)
		postJSON(*node, "/blocks/mine", map[string]string{"miner_address": *miner})

	case "blocks":
		cmd := flag.NewFlagSet("blocks", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		start := cmd.Int("start", 0, "first block index")
		end := cmd.Int("end", -1, "last block index (-1 for tip)")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		path := fmt.Sprintf("/blocks?start=%d", *start)
		if *end >= 0 {
			path = fmt.Sprintf("%s&end=%d", path, *end)
		}
		get(*node, path)

	case "transactions":
		cmd := flag.NewFlagSet("transactions", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		get(*node, "/transactions")

	case "send":
		cmd := flag.NewFlagSet("send", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		postRaw(*node, "/transactions", readStdin())

	case "debug":
		cmd := flag.NewFlagSet("debug", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		postRaw(*node, "/debug/transaction", readStdin())

	case "utxos":
		cmd := flag.NewFlagSet("utxos", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		address := cmd.String("address", "", "address to query")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *address)
		get(*node, "/utxos/"+*address)

	case "consensus":
		cmd := flag.NewFlagSet("consensus", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node)
		get(*node, "/consensus")

	default:
		printUsage()
		os.Exit(1)
	}
}

func requireFlags(cmd *flag.FlagSet, values ...string) {
	for _, v := range values {
		if v == "" {
			cmd.Usage()
			os.Exit(1)
		}
	}
}

func runInit(dir string) {
	logger := newLogger()
	defer logger.Sync()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Fatal("creating data directory failed", zap.Error(err))
	}
	chainDB, walletDB, peerDB, err := openDatabases(dir)
	if err != nil {
		logger.Fatal("opening databases failed", zap.Error(err))
	}
	defer chainDB.Close()
	defer walletDB.Close()
	defer peerDB.Close()

	blocks := store.OpenWithDB(chainDB)
	utxos := utxo.OpenWithDB(chainDB)
	mp := mempool.New(utxos, nil, nil)
	if _, err := chain.Open(blocks, utxos, mp, logger, time.Now().Unix()); err != nil {
		logger.Fatal("initializing chain failed", zap.Error(err))
	}
	fmt.Printf("Initialized chain database at %s\n", dir)
}

func runStart(configPath, dirOverride, listenOverride, minerOverride string, mineOverride bool) {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Fatal("loading config failed", zap.Error(err))
	}
	if dirOverride != "" {
		cfg.DataDir = dirOverride
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	if minerOverride != "" {
		cfg.MinerAddress = minerOverride
	}
	if mineOverride {
		cfg.MiningEnabled = true
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("creating data directory failed", zap.Error(err))
	}
	chainDB, walletDB, peerDB, err := openDatabases(cfg.DataDir)
	if err != nil {
		logger.Fatal("opening databases failed", zap.Error(err))
	}
	defer chainDB.Close()
	defer walletDB.Close()
	defer peerDB.Close()

	blocks := store.OpenWithDB(chainDB)
	utxos := utxo.OpenWithDB(chainDB)
	wallets := wallet.OpenStoreWithDB(walletDB)
	mp := mempool.New(utxos, multisigLookup(wallets), publicKeyLookup(wallets))

	c, err := chain.Open(blocks, utxos, mp, logger, time.Now().Unix())
	if err != nil {
		logger.Fatal("opening chain failed", zap.Error(err))
	}

	peers := network.OpenPeerStoreWithDB(peerDB)
	coordinator := network.NewCoordinator(c, peers, logger, cfg.ListenAddr)
	server := network.NewServer(c, coordinator, peers, logger)

	for _, peer := range cfg.BootstrapPeers {
		go coordinator.ConnectToPeer(peer)
	}

	if cfg.MiningEnabled {
		if cfg.MinerAddress == "" {
			logger.Fatal("mining is enabled but no miner_address is configured")
		}
		go runMiningLoop(c, coordinator, logger, cfg.MinerAddress)
	}

	logger.Info("starting kaidosd", zap.String("listen", cfg.ListenAddr), zap.Bool("mining", cfg.MiningEnabled))
	if err := server.Run(cfg.ListenAddr); err != nil {
		logger.Fatal("peer api exited with error", zap.Error(err))
	}
}

// runMiningLoop mines a block on a fixed interval whenever the mempool has
// pending work, broadcasting each accepted block to known peers.
func runMiningLoop(c *chain.Chain, coordinator *network.Coordinator, logger *zap.Logger, minerAddress string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if len(c.Mempool().Pending()) == 0 {
			continue
		}
		block, err := c.MineNext(minerAddress, time.Now().Unix())
		if err != nil {
			logger.Warn("mining attempt failed", zap.Error(err))
			continue
		}
		if err := c.Append(block, types.ValidationFull); err != nil {
			logger.Warn("appending mined block failed", zap.Error(err))
			continue
		}
		logger.Info("mined block", zap.Int("index", block.Index), zap.String("hash", block.Hash))
		coordinator.BroadcastBlock(block)
	}
}

func multisigLookup(wallets *wallet.Store) mempool.MultisigLookup {
	return func(address string) ([]string, int, bool) {
		rec, err := wallets.Multisig(address)
		if err != nil {
			return nil, 0, false
		}
		return rec.PublicKeys, rec.RequiredSignatures, true
	}
}

func publicKeyLookup(wallets *wallet.Store) mempool.PublicKeyLookup {
	return func(address string) (string, bool) {
		pem, err := wallets.PublicKeyPEM(address)
		if err != nil {
			return "", false
		}
		return pem, true
	}
}

func openDatabases(dir string) (chainDB, walletDB, peerDB *badger.DB, err error) {
	chainDB, err = badger.Open(badger.DefaultOptions(filepath.Join(dir, "chain")).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, nil, nil, err
	}
	walletDB, err = badger.Open(badger.DefaultOptions(filepath.Join(dir, "wallet")).WithLoggingLevel(badger.ERROR))
	if err != nil {
		chainDB.Close()
		return nil, nil, nil, err
	}
	peerDB, err = badger.Open(badger.DefaultOptions(filepath.Join(dir, "peers")).WithLoggingLevel(badger.ERROR))
	if err != nil {
		chainDB.Close()
		walletDB.Close()
		return nil, nil, nil, err
	}
	return chainDB, walletDB, peerDB, nil
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func readStdin() []byte {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading stdin failed:", err)
		os.Exit(1)
	}
	return data
}

func get(node, path string) {
	resp, err := http.Get("http://" + node + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func postJSON(node, path string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encoding request failed:", err)
		os.Exit(1)
	}
	postRaw(node, path, data)
}

func postRaw(node, path string, data []byte) {
	resp, err := http.Post("http://"+node+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Fprintln(os.Stderr, "request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintln(os.Stderr, "decoding response failed:", err)
		os.Exit(1)
	}
	pretty, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(pretty))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
