package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/nutsack/cashu/nuts/nut05"
	"github.com/elnosh/nutsack/cashu/nuts/nut18"
	"github.com/elnosh/nutsack/wallet"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, CurrentMintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		// variables already set in the environment are still used
		godotenv.Load(envPath)
	}
	config.CurrentMintURL = getMintURL()

	if backend := os.Getenv("WALLET_DB_BACKEND"); len(backend) > 0 {
		config.DBBackend = wallet.DBBackend(strings.ToLower(backend))
	}
	if relays := os.Getenv("NOSTR_RELAYS"); len(relays) > 0 {
		for _, relay := range strings.Split(relays, ",") {
			if relay = strings.TrimSpace(relay); len(relay) > 0 {
				config.Relays = append(config.Relays, relay)
			}
		}
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".nutsack", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}

	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nutw, err = wallet.LoadWallet(ctx.Context, config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Shutdown()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			requestCmd,
			payRequestCmd,
			pendingCmd,
			historyCmd,
			retryCmd,
			restoreCmd,
			mnemonicCmd,
			checkStateCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance by mint",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balanceByMints := nutw.GetBalanceByMints()
	fmt.Printf("Balance by mint:\n\n")
	var totalBalance uint64
	for mint, balance := range balanceByMints {
		fmt.Printf("Mint: %v ---- balance: %v sats\n", mint, balance)
		totalBalance += balance
	}

	fmt.Printf("\nTotal balance: %v sats\n", totalBalance)
	if quarantined := nutw.QuarantinedProofs(); len(quarantined) > 0 {
		var amount uint64
		for _, proof := range quarantined {
			amount += proof.Amount
		}
		fmt.Printf("%v sats could not be claimed. Run 'nutw retry' to claim them\n", amount)
	}
	return nil
}

const (
	quoteFlag = "quote"
	waitFlag  = "wait"
)

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request a mint quote. It will return a lightning invoice to be paid",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "Redeem the ecash for a paid mint quote",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "Wait for the invoice to be paid and redeem the ecash",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	if ctx.IsSet(quoteFlag) {
		amount, err := nutw.RedeemMintQuote(ctx.Context, ctx.String(quoteFlag))
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats successfully minted\n", amount)
		return nil
	}

	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nutw.RequestMint(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("invoice: %v\n\n", quote.Request)

	if !ctx.Bool(waitFlag) {
		fmt.Printf("after paying the invoice you can redeem the ecash with 'nutw mint --quote %v'\n", quote.QuoteId)
		return nil
	}

	fmt.Println("waiting for invoice to be paid...")
	if err := waitForQuote(ctx.Context, quote.QuoteId); err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats successfully minted\n", amount)
	return nil
}

// waitForQuote redeems the quote once it is paid. Notifications from
// the mint are used if it supports them, polling otherwise.
func waitForQuote(ctx context.Context, quoteId string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	polling := nutw.WatchMintQuote(ctx, quoteId)
	if notifications, err := nutw.SubscribeMintQuote(ctx, quoteId); err == nil {
		go nutw.HandleNotifications(ctx, notifications)
	}
	return <-polling
}

const (
	memoFlag        = "memo"
	legacyFlag      = "legacy"
	includeFeesFlag = "include-fees"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Generates a token to be sent for the specified amount",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  memoFlag,
			Usage: "Memo to include in the token",
		},
		&cli.BoolFlag{
			Name:  legacyFlag,
			Usage: "Generate a cashuA token",
		},
		&cli.BoolFlag{
			Name:  includeFeesFlag,
			Usage: "Include the fees the receiver will pay to claim the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	opts := wallet.TokenOptions{
		SendOptions: wallet.SendOptions{IncludeFees: ctx.Bool(includeFeesFlag)},
		Memo:        ctx.String(memoFlag),
		IncludeDLEQ: true,
	}
	if ctx.Bool(legacyFlag) {
		opts.Version = 3
	}

	token, err := nutw.SendToken(ctx.Context, sendAmount, opts)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v\n", token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Receive token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	amount, err := nutw.Receive(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", amount)
	return nil
}

const amountFlag = "amount"

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice or lightning address",
	ArgsUsage: "[INVOICE | ADDRESS]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  amountFlag,
			Usage: "Amount to pay to a lightning address",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	target := args.First()

	var result *wallet.MeltResult
	var err error
	if strings.Contains(target, "@") {
		if !ctx.IsSet(amountFlag) {
			printErr(errors.New("specify the amount to pay with --amount"))
		}
		result, err = nutw.PayLightningAddress(ctx.Context, target, ctx.Uint64(amountFlag))
	} else {
		result, err = nutw.Melt(ctx.Context, target)
	}
	if err != nil {
		printErr(err)
	}

	switch result.State {
	case nut05.Paid:
		fmt.Printf("invoice paid. Preimage: %v\n", result.Preimage)
		if result.Change > 0 {
			fmt.Printf("%v sats of fee reserve returned\n", result.Change)
		}
	case nut05.Pending:
		fmt.Printf("payment is pending. Check it later with 'nutw pending --check'\n")
	}
	return nil
}

const (
	descriptionFlag = "description"
	postFlag        = "post"
	nostrFlag       = "nostr"
	singleUseFlag   = "single-use"
)

var requestCmd = &cli.Command{
	Name:      "request",
	Usage:     "Create a payment request",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  descriptionFlag,
			Usage: "Description of the payment",
		},
		&cli.StringFlag{
			Name:  postFlag,
			Usage: "URL where the payment will be posted",
		},
		&cli.StringFlag{
			Name:  nostrFlag,
			Usage: "nprofile where the payment will be sent",
		},
		&cli.BoolFlag{
			Name:  singleUseFlag,
			Usage: "Request can only be paid once",
		},
	},
	Action: request,
}

func request(ctx *cli.Context) error {
	var amount uint64
	if args := ctx.Args(); args.Len() > 0 {
		var err error
		amount, err = strconv.ParseUint(args.First(), 10, 64)
		if err != nil {
			printErr(errors.New("invalid amount"))
		}
	}

	var transports []nut18.Transport
	if ctx.IsSet(postFlag) {
		transports = append(transports, nut18.Transport{Type: nut18.TransportPost, Target: ctx.String(postFlag)})
	}
	if ctx.IsSet(nostrFlag) {
		transports = append(transports, nut18.Transport{
			Type:   nut18.TransportNostr,
			Target: ctx.String(nostrFlag),
			Tags:   [][]string{{"n", "17"}},
		})
	}
	if len(transports) == 0 {
		printErr(errors.New("specify where to receive the payment with --post or --nostr"))
	}

	paymentRequest, err := nutw.CreatePaymentRequest(wallet.PaymentRequestOptions{
		Amount:      amount,
		Description: ctx.String(descriptionFlag),
		SingleUse:   ctx.Bool(singleUseFlag),
		Transports:  transports,
	})
	if err != nil {
		printErr(err)
	}

	fmt.Println(paymentRequest)
	return nil
}

var payRequestCmd = &cli.Command{
	Name:      "payrequest",
	Usage:     "Pay a payment request",
	ArgsUsage: "[REQUEST]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  amountFlag,
			Usage: "Amount to pay if the request does not have one",
		},
	},
	Action: payRequest,
}

func payRequest(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a payment request to pay"))
	}

	if err := nutw.PayPaymentRequest(ctx.Context, args.First(), ctx.Uint64(amountFlag)); err != nil {
		printErr(err)
	}
	fmt.Println("payment sent")
	return nil
}

const checkFlag = "check"

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "List pending mint quotes and payments",
	Before: setupWallet,
	After:  shutdownWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  checkFlag,
			Usage: "Check the state of pending payments and remove expired mint quotes",
		},
	},
	Action: pending,
}

func pending(ctx *cli.Context) error {
	if ctx.Bool(checkFlag) {
		removed, err := nutw.CleanupPendingMints(ctx.Context)
		if err != nil {
			fmt.Printf("error cleaning up pending mints: %v\n", wallet.UserMessage(err))
		}
		for _, quoteId := range removed {
			fmt.Printf("removed expired mint quote %v\n", quoteId)
		}
	}

	pendingMints := nutw.PendingMints()
	if len(pendingMints) > 0 {
		fmt.Printf("Pending mint quotes:\n\n")
	}
	for _, pendingMint := range pendingMints {
		createdAt := time.Unix(pendingMint.CreatedAt, 0).Format(time.DateTime)
		fmt.Printf("Quote: %v ---- amount: %v sats ---- created: %v\n",
			pendingMint.QuoteId, pendingMint.ExpectedAmount, createdAt)
	}

	byQuote := make(map[string]uint64)
	for _, proof := range nutw.PendingProofs() {
		byQuote[proof.MeltQuoteId] += proof.Amount
	}
	if len(byQuote) > 0 {
		fmt.Printf("\nPending payments:\n\n")
	}
	for quoteId, amount := range byQuote {
		if !ctx.Bool(checkFlag) {
			fmt.Printf("Quote: %v ---- amount: %v sats\n", quoteId, amount)
			continue
		}
		state, err := nutw.CheckPendingMelt(ctx.Context, quoteId)
		if err != nil {
			fmt.Printf("Quote: %v ---- error: %v\n", quoteId, wallet.UserMessage(err))
			continue
		}
		fmt.Printf("Quote: %v ---- amount: %v sats ---- state: %v\n", quoteId, amount, state)
	}

	if len(pendingMints) == 0 && len(byQuote) == 0 {
		fmt.Println("nothing pending")
	}
	return nil
}

var historyCmd = &cli.Command{
	Name:   "history",
	Usage:  "List wallet transactions",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: history,
}

func history(ctx *cli.Context) error {
	transactions := nutw.Transactions()
	if len(transactions) == 0 {
		fmt.Println("no transactions")
		return nil
	}

	for _, tx := range transactions {
		line := fmt.Sprintf("%v  %-7v %8v sats  %-9v %v",
			tx.Timestamp.Format(time.DateTime), tx.Type, tx.Amount, tx.Status, tx.MintURL)
		if len(tx.Memo) > 0 {
			line += "  memo: " + tx.Memo
		}
		fmt.Println(line)
	}
	return nil
}

var retryCmd = &cli.Command{
	Name:   "retry",
	Usage:  "Claim the ecash that could not be received before",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: retry,
}

func retry(ctx *cli.Context) error {
	amount, err := nutw.RetryQuarantined(ctx.Context)
	if amount > 0 {
		fmt.Printf("%v sats received\n", amount)
	}
	if err != nil {
		printErr(err)
	}
	if amount == 0 {
		fmt.Println("nothing to claim")
	}
	return nil
}

const mintFlag = "mint"

var restoreCmd = &cli.Command{
	Name:  "restore",
	Usage: "Restore wallet from mnemonic",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  mintFlag,
			Usage: "Mint to restore ecash from. Can be set multiple times",
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	config := walletConfig()
	mints := ctx.StringSlice(mintFlag)
	if len(mints) == 0 {
		mints = []string{config.CurrentMintURL}
	}

	fmt.Printf("enter mnemonic: ")
	reader := bufio.NewReader(os.Stdin)
	mnemonic, err := reader.ReadString('\n')
	if err != nil {
		printErr(err)
	}

	proofs, err := wallet.Restore(ctx.Context, config, strings.TrimSpace(mnemonic), mints)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("restored proofs for amount of: %v sats\n", proofs.Amount())
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Mnemonic to restore wallet",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: getMnemonic,
}

func getMnemonic(ctx *cli.Context) error {
	fmt.Printf("mnemonic: %v\n", nutw.Mnemonic())
	return nil
}

var checkStateCmd = &cli.Command{
	Name:   "checkstate",
	Usage:  "Remove proofs that were already spent",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: checkState,
}

func checkState(ctx *cli.Context) error {
	removed, err := nutw.CheckProofsState(ctx.Context)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("removed %v sats of spent proofs\n", removed)
	return nil
}

func printErr(err error) {
	fmt.Println(wallet.UserMessage(err))
	if nutw != nil {
		nutw.Shutdown()
	}
	os.Exit(1)
}
