// Command sealtoken mints access tokens for the gate. Intended for local
// development and operational scripting.
//
//	sealtoken -subject alice -permissions upload,download,list -ttl 24h
//
// The signing secret comes from -secret or SEALGATE_JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"sealgate/pkg/security/perm"
	"sealgate/pkg/security/token"
)

func main() {
	var (
		secret  = flag.String("secret", "", "HMAC signing secret (default: SEALGATE_JWT_SECRET)")
		subject = flag.String("subject", "", "user identity to embed in the token")
		perms   = flag.String("permissions", "", "comma-separated permissions (default: upload,download,list)")
		ttl     = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	key := *secret
	if key == "" {
		key = os.Getenv("SEALGATE_JWT_SECRET")
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "sealtoken: no secret; pass -secret or set SEALGATE_JWT_SECRET")
		os.Exit(2)
	}
	if *subject == "" {
		fmt.Fprintln(os.Stderr, "sealtoken: -subject is required")
		os.Exit(2)
	}

	var set perm.Set
	if *perms != "" {
		names := strings.Split(*perms, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		set = perm.FromStrings(names)
		if len(set) == 0 {
			fmt.Fprintf(os.Stderr, "sealtoken: no valid permissions in %q\n", *perms)
			os.Exit(2)
		}
	}

	svc := token.NewService(token.StaticKey(key))
	tok, err := svc.Issue(*subject, set, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sealtoken: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
