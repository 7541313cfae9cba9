package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/mscno/pledges/pkg/config"
)

type KeygenCmd struct{}

func (c *KeygenCmd) Run(ctx *cliCtx) error {
	ctx.Logger.Debug("generating token secret")
	secret := make([]byte, config.MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return err
	}
	fmt.Printf("PLEDGES_TOKEN_SECRET=%s\n", hex.EncodeToString(secret))
	return nil
}
