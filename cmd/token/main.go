// Command token issues a signed identity token for local development. The
// host application normally mints these.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-supportchat/internal/auth"
	"github.com/npezzotti/go-supportchat/internal/types"
)

func main() {
	logger := log.New(os.Stderr, "[supportchat-token] ", 0)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Fatal("load .env:", err)
	}

	var (
		userId     string
		role       string
		signingKey string
		expiry     time.Duration
	)

	flag.StringVar(&userId, "user", "", "user id")
	flag.StringVar(&role, "role", string(types.RoleSubmitter), "role: submitter, manager-a, manager-b or administrator")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("SUPPORTCHAT_SIGNING_KEY"), "base64 encoded signing key")
	flag.DurationVar(&expiry, "expiry", auth.DefaultExpiry, "token lifetime")
	flag.Parse()

	key, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil || len(key) == 0 {
		logger.Fatal("a base64 signing key is required")
	}

	token, err := auth.IssueToken(key, auth.Identity{UserId: userId, Role: types.Role(role)}, expiry)
	if err != nil {
		logger.Fatal("issue token:", err)
	}

	fmt.Println(token)
}
