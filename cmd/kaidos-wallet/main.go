// Command kaidos-wallet manages keypairs and addresses held in a local
// wallet store, and constructs signed transactions against a running
// node's UTXO view. Subcommand dispatch follows the teacher's
// cli.CommandLine shape: a flag.FlagSet per subcommand, switch over
// os.Args[1].
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jolovicdev/kaidos/chain/types"
	"github.com/jolovicdev/kaidos/wallet"
)

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println(" create -dir DIR -name NAME [-passphrase PASS] - create a new wallet and print its address")
	fmt.Println(" list -dir DIR - list every wallet held by this store")
	fmt.Println(" address -dir DIR -wallet WALLET_ID [-passphrase PASS] - add a new address to an existing wallet")
	fmt.Println(" addresses -dir DIR [-wallet WALLET_ID] - list addresses held by this store, optionally filtered to one wallet")
	fmt.Println(" balance -node ADDR -address ADDR - query a running node for an address's balance")
	fmt.Println(" utxos -node ADDR -address ADDR - list the UTXOs behind an address's balance")
	fmt.Println(" multisig -dir DIR -keys ADDR1,ADDR2,... -required M - derive and save an m-of-n multisig address")
	fmt.Println(" sign-multisig -dir DIR -address ADDR -index I -prev-txid TXID -prev-vout V [-passphrase PASS] - produce one multisig signature share")
	fmt.Println(" tx -dir DIR -node ADDR -from FROM [-passphrase PASS] -to TO -amount AMOUNT - build, sign and submit a transaction")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		cmd := flag.NewFlagSet("create", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		name := cmd.String("name", "default", "human-readable wallet name")
		passphrase := cmd.String("passphrase", "", "optional passphrase encrypting the private key at rest")
		cmd.Parse(os.Args[2:])

		store := openStore(*dir)
		defer store.Close()
		address, err := store.CreateWallet(*name, *passphrase, time.Now().Unix())
		must(err)
		fmt.Println(address)

	case "list":
		cmd := flag.NewFlagSet("list", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		cmd.Parse(os.Args[2:])

		store := openStore(*dir)
		defer store.Close()
		wallets, err := store.ListWallets()
		must(err)
		printJSON(wallets)

	case "address":
		cmd := flag.NewFlagSet("address", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		walletID := cmd.String("wallet", "", "wallet_id to add a new address to")
		passphrase := cmd.String("passphrase", "", "optional passphrase encrypting the new address's private key at rest")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *walletID)

		store := openStore(*dir)
		defer store.Close()
		address, err := store.AddAddress(*walletID, *passphrase, time.Now().Unix())
		must(err)
		fmt.Println(address)

	case "addresses":
		cmd := flag.NewFlagSet("addresses", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		walletID := cmd.String("wallet", "", "optional wallet_id to filter addresses to")
		cmd.Parse(os.Args[2:])

		store := openStore(*dir)
		defer store.Close()
		var addresses []string
		var err error
		if *walletID != "" {
			addresses, err = store.AddressesForWallet(*walletID)
		} else {
			addresses, err = store.ListAddresses()
		}
		must(err)
		for _, a := range addresses {
			fmt.Println(a)
		}

	case "balance":
		cmd := flag.NewFlagSet("balance", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		address := cmd.String("address", "", "address to query")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *address)

		var payload struct {
			Balance float64 `json:"balance"`
		}
		fetchJSON(*node, "/utxos/"+*address, &payload)
		fmt.Println(payload.Balance)

	case "utxos":
		cmd := flag.NewFlagSet("utxos", flag.ExitOnError)
		node := cmd.String("node", "", "running node's address")
		address := cmd.String("address", "", "address to query")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *address)

		var payload interface{}
		fetchJSON(*node, "/utxos/"+*address, &payload)
		printJSON(payload)

	case "multisig":
		cmd := flag.NewFlagSet("multisig", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		keysList := cmd.String("keys", "", "comma-separated list of co-signer addresses")
		required := cmd.Int("required", 0, "number of signatures required")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *keysList)
		if *required <= 0 {
			cmd.Usage()
			os.Exit(1)
		}

		store := openStore(*dir)
		defer store.Close()

		var pubKeys []string
		for _, addr := range strings.Split(*keysList, ",") {
			pem, err := store.PublicKeyPEM(strings.TrimSpace(addr))
			must(err)
			pubKeys = append(pubKeys, pem)
		}

		address, err := wallet.CreateMultisigAddress(pubKeys, *required)
		must(err)
		must(store.SaveMultisig(types.MultisigRecord{
			Address:            address,
			PublicKeys:         pubKeys,
			RequiredSignatures: *required,
			CreatedAt:          time.Now().Unix(),
		}))
		fmt.Println(address)

	case "sign-multisig":
		cmd := flag.NewFlagSet("sign-multisig", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		address := cmd.String("address", "", "signer's own address")
		index := cmd.Int("index", -1, "this signer's key index within the multisig policy")
		prevTxID := cmd.String("prev-txid", "", "the input's previous transaction id")
		prevVout := cmd.Int("prev-vout", 0, "the input's previous output index")
		passphrase := cmd.String("passphrase", "", "passphrase protecting the signer's private key")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *address, *prevTxID)
		if *index < 0 {
			cmd.Usage()
			os.Exit(1)
		}

		store := openStore(*dir)
		defer store.Close()
		priv, err := store.PrivateKey(*address, *passphrase)
		must(err)
		share, err := wallet.SignMultisigInput(priv, *prevTxID, *prevVout, *index)
		must(err)
		printJSON(share)

	case "tx":
		cmd := flag.NewFlagSet("tx", flag.ExitOnError)
		dir := cmd.String("dir", "./wallet-data", "wallet store directory")
		node := cmd.String("node", "", "running node's address")
		from := cmd.String("from", "", "sender address")
		to := cmd.String("to", "", "recipient address")
		amount := cmd.Float64("amount", 0, "amount to send")
		passphrase := cmd.String("passphrase", "", "passphrase protecting the sender's private key")
		cmd.Parse(os.Args[2:])
		requireFlags(cmd, *node, *from, *to)
		if *amount <= 0 {
			cmd.Usage()
			os.Exit(1)
		}

		store := openStore(*dir)
		defer store.Close()
		runSendTx(store, *node, *from, *to, *amount, *passphrase)

	default:
		printUsage()
		os.Exit(1)
	}
}

// runSendTx selects UTXOs from a running node's view of from's balance,
// signs one input per selected UTXO, and submits the resulting transaction.
func runSendTx(store *wallet.Store, node, from, to string, amount float64, passphrase string) {
	var payload struct {
		UTXOs []types.UTXORecord `json:"utxos"`
	}
	fetchJSON(node, "/utxos/"+from, &payload)

	priv, err := store.PrivateKey(from, passphrase)
	must(err)

	var inputs []types.Input
	var total float64
	for _, u := range payload.UTXOs {
		sig, err := wallet.Sign(priv, wallet.InputMessage(u.TxID, u.Vout))
		must(err)
		inputs = append(inputs, types.Input{PrevTxID: u.TxID, PrevVout: u.Vout, Signature: sig})
		total += u.Amount
		if total >= amount {
			break
		}
	}
	if total < amount {
		fmt.Fprintln(os.Stderr, "insufficient balance:", total, "<", amount)
		os.Exit(1)
	}

	outputs := []types.Output{{Address: to, Amount: amount}}
	if change := total - amount; change > types.AmountTolerance {
		outputs = append(outputs, types.Output{Address: from, Amount: change})
	}

	tx := types.Transaction{Inputs: inputs, Outputs: outputs, Timestamp: time.Now().Unix()}
	data, err := json.Marshal(tx)
	must(err)

	resp, err := http.Post("http://"+node+"/transactions", "application/json", bytes.NewReader(data))
	must(err)
	defer resp.Body.Close()
	var result interface{}
	must(json.NewDecoder(resp.Body).Decode(&result))
	printJSON(result)
}

func openStore(dir string) *wallet.Store {
	store, err := wallet.OpenStore(dir)
	must(err)
	return store
}

func requireFlags(cmd *flag.FlagSet, values ...string) {
	for _, v := range values {
		if v == "" {
			cmd.Usage()
			os.Exit(1)
		}
	}
}

func fetchJSON(node, path string, out interface{}) {
	resp, err := http.Get("http://" + node + path)
	must(err)
	defer resp.Body.Close()
	must(json.NewDecoder(resp.Body).Decode(out))
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	must(err)
	fmt.Println(string(data))
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
