// Command token mints a bearer token for the monitor control endpoints.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/san-kum/helmet-detect/server/middleware"
	"go.uber.org/zap"
)

func main() {
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to $JWT_SECRET)")
	user := flag.String("user", "operator", "token subject")
	role := flag.String("role", "admin", "role claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *secret == "" {
		log.Fatal("no secret: pass -secret or set JWT_SECRET")
	}

	auth := middleware.NewAuthMiddleware(*secret, zap.NewNop())
	token, err := auth.GenerateToken(*user, *role, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
