package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v5"

	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/app"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/domain"
	"github.com/gematik/E-Rezept-App-Android-Fasttrack/internal/idp/service"
)

const usage = `usage: erp <command> [flags]

commands:
  login    authenticate with the (software) health card
  refresh  print a fresh access token, refreshing via the SSO token
  pair     register a device key for biometric re-authentication
  altauth  re-authenticate with the paired device key
  can      show or store the card access number
  logout   invalidate the stored session
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := app.LoadConfig()

	keystore, err := newFileKeystore(keystoreDir())
	if err != nil {
		log.Fatalf("failed to initialize keystore: %v", err)
	}

	application, err := app.New(cfg, keystore)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer application.Close()
	application.Start()

	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "login":
		err = runLogin(ctx, application, args)
	case "refresh":
		err = runRefresh(ctx, application, args)
	case "pair":
		err = runPair(ctx, application, keystore, args)
	case "altauth":
		err = runAltAuth(ctx, application, args)
	case "can":
		err = runCan(ctx, application, args)
	case "logout":
		err = runLogout(ctx, application, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		application.Logger().Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func keystoreDir() string {
	if dir := os.Getenv("ERP_KEYSTORE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".erp-keys"
	}
	return filepath.Join(home, ".erp", "keys")
}

func runLogin(ctx context.Context, a *app.Application, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile to authenticate")
	cardPath := fs.String("card", "card.pem", "PEM file with card key and certificate")
	fs.Parse(args)

	card, err := loadSoftCard(*cardPath)
	if err != nil {
		return err
	}

	if err := a.Session().AuthenticateWithHealthCard(ctx, *profile, card.certProvider(), card.signer); err != nil {
		return err
	}
	fmt.Printf("profile %s authenticated\n", *profile)
	return nil
}

func runRefresh(ctx context.Context, a *app.Application, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile to refresh")
	force := fs.Bool("force", false, "discard the cached access token first")
	tries := fs.Uint("tries", 3, "attempts for transient failures")
	fs.Parse(args)

	// Transient failures get a bounded retry; a session the server rejected
	// needs the user, so retrying would be pointless.
	token, err := backoff.Retry(ctx, func() (string, error) {
		token, err := a.Session().LoadAccessToken(ctx, *profile, *force)

		var refreshErr *service.RefreshRequiredError
		if errors.As(err, &refreshErr) && refreshErr.UserActionRequired {
			return "", backoff.Permanent(err)
		}
		return token, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(*tries))

	if err != nil {
		var refreshErr *service.RefreshRequiredError
		if errors.As(err, &refreshErr) && refreshErr.UserActionRequired {
			if refreshErr.Scope != nil {
				return fmt.Errorf("session rejected (scope %s): run 'erp login' or 'erp altauth' again", *refreshErr.Scope)
			}
			return errors.New("no session: run 'erp login' first")
		}
		return err
	}

	// The raw token goes to stdout for scripting; logs stay on stderr.
	fmt.Println(token)
	return nil
}

func runPair(ctx context.Context, a *app.Application, keystore *fileKeystore, args []string) error {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile to pair")
	cardPath := fs.String("card", "card.pem", "PEM file with card key and certificate")
	alias := fs.String("alias", "", "key alias (default: erp-<profile>)")
	fs.Parse(args)

	if *alias == "" {
		*alias = "erp-" + *profile
	}

	publicKey, err := keystore.CreateKey(*alias)
	if err != nil {
		return err
	}

	card, err := loadSoftCard(*cardPath)
	if err != nil {
		return err
	}

	if err := a.Session().PairSecureElement(ctx, *profile, publicKey, *alias, card.certProvider(), card.signer); err != nil {
		return err
	}
	fmt.Printf("profile %s paired with key %s\n", *profile, *alias)
	return nil
}

func runAltAuth(ctx context.Context, a *app.Application, args []string) error {
	fs := flag.NewFlagSet("altauth", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile to re-authenticate")
	fs.Parse(args)

	err := a.Session().AuthenticateWithSecureElement(ctx, *profile)
	if errors.Is(err, service.ErrNotPaired) {
		return errors.New("profile is not paired: run 'erp pair' first")
	}
	var cryptoErr *service.AltAuthCryptoError
	if errors.As(err, &cryptoErr) {
		return fmt.Errorf("device key unusable, credentials wiped: %w", cryptoErr.Err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("profile %s re-authenticated\n", *profile)
	return nil
}

func runCan(ctx context.Context, a *app.Application, args []string) error {
	fs := flag.NewFlagSet("can", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile")
	set := fs.String("set", "", "store this card access number")
	fs.Parse(args)

	if *set != "" {
		return a.Store().CardAccess().SetCAN(ctx, *profile, domain.CardAccessNumber(*set))
	}

	can, err := a.Session().GetSavedCardAccessNumber(ctx, *profile)
	if err != nil {
		return err
	}
	if can == "" {
		return errors.New("no card access number stored")
	}
	fmt.Println(can)
	return nil
}

func runLogout(ctx context.Context, a *app.Application, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	profile := fs.String("profile", "default", "profile to log out")
	fs.Parse(args)

	if err := a.Session().Invalidate(ctx, *profile); err != nil {
		return err
	}
	fmt.Printf("profile %s logged out\n", *profile)
	return nil
}
