package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"gorm.io/gorm"

	"github.com/marchenkov/audience-os/internal/config"
	"github.com/marchenkov/audience-os/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	credsPath := flag.String("credentials", "credentials.yaml", "path to credentials file")
	credID := flag.String("id", "", "credential id to authorize (prompted if empty)")
	useQR := flag.Bool("qr", false, "authorize by scanning a QR code instead of phone code")
	flag.Parse()

	fmt.Println("=== telegram auth tool ===")
	fmt.Println("authorizes a credential and stores its session database")
	fmt.Println()

	credentials, err := config.LoadCredentials(*credsPath)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}
	if len(credentials) == 0 {
		fmt.Println("error: no credentials configured")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	cred, err := selectCredential(credentials, *credID, reader)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nauthorizing credential %q (session db: %s)\n", cred.ID, cred.SessionDB)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *useQR {
		err = authWithQR(ctx, cred)
	} else {
		err = authWithPhone(cred)
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("session stored in %s\n", cred.SessionDB)
	fmt.Println("\n⚠️  keep the session database secret! it provides full access to the account")
}

// selectCredential resolves the credential to authorize, prompting when no
// id was given on the command line.
func selectCredential(credentials []config.Credential, id string, reader *bufio.Reader) (config.Credential, error) {
	if id != "" {
		for _, cred := range credentials {
			if cred.ID == id {
				return cred, nil
			}
		}
		return config.Credential{}, fmt.Errorf("credential %q not found", id)
	}

	if len(credentials) == 1 {
		return credentials[0], nil
	}

	fmt.Printf("found %d credentials:\n", len(credentials))
	for i, cred := range credentials {
		fmt.Printf("  %d. %s (%s)\n", i+1, cred.ID, cred.Phone)
	}

	fmt.Print("\nselect credential number [1]: ")
	choice, _ := reader.ReadString('\n')
	choice = strings.TrimSpace(choice)

	idx := 0
	if choice != "" {
		n, err := strconv.Atoi(choice)
		if err != nil || n < 1 || n > len(credentials) {
			return config.Credential{}, fmt.Errorf("invalid choice %q", choice)
		}
		idx = n - 1
	}

	return credentials[idx], nil
}

// authWithPhone authenticates using phone number (SMS/code) and persists the
// session straight into the credential's session database.
func authWithPhone(cred config.Credential) error {
	fmt.Println("\nauthenticating... (check telegram for code)")

	client, err := gotgproto.NewClient(
		cred.APIID,
		cred.APIHash,
		gotgproto.ClientTypePhone(cred.Phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sqlite.Open(cred.SessionDB)),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return err
	}
	defer client.Stop()

	fmt.Printf("logged in as: @%s\n", client.Self.Username)
	return nil
}

// authWithQR runs the QR login flow and writes the captured session into the
// credential's session database.
func authWithQR(ctx context.Context, cred config.Credential) error {
	bundle, err := telegram.NewQRClient(cred)
	if err != nil {
		return fmt.Errorf("create QR client: %w", err)
	}

	var sessionData *session.Data

	err = bundle.Client.Run(ctx, func(ctx context.Context) error {
		qr := bundle.Client.QR()
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)

		_, authErr := qr.Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			fmt.Println("\nscan this code with the telegram app (settings > devices > link desktop device):")
			qrterminal.GenerateHalfBlock(token.URL(), qrterminal.L, os.Stdout)
			return nil
		})
		if authErr != nil {
			return authErr
		}

		loader := session.Loader{Storage: bundle.Storage}
		sessionData, authErr = loader.Load(ctx)
		return authErr
	})
	if err != nil {
		return fmt.Errorf("QR auth flow failed: %w", err)
	}
	if sessionData == nil {
		return fmt.Errorf("session data is nil after successful auth")
	}

	sess, err := telegram.SessionFromGotd(sessionData)
	if err != nil {
		return err
	}

	db, err := gorm.Open(sqlite.Open(cred.SessionDB), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open session db: %w", err)
	}
	if err := db.AutoMigrate(sess); err != nil {
		return fmt.Errorf("prepare session table: %w", err)
	}
	if err := db.Save(sess).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	return nil
}
