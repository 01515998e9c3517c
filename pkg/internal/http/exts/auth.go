package exts

import (
	"fmt"
	"strconv"
	"strings"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type UserClaims struct {
	jwt.RegisteredClaims

	Name string `json:"name"`
	Nick string `json:"nick"`
}

func jwtSecret() []byte {
	return []byte(viper.GetString("security.jwt_secret"))
}

func DecodeToken(tk string) (models.Account, error) {
	var claims UserClaims
	if _, err := jwt.ParseWithClaims(tk, &claims, func(token *jwt.Token) (any, error) {
		return jwtSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})); err != nil {
		return models.Account{}, err
	}

	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return models.Account{}, fmt.Errorf("invalid token subject %q", claims.Subject)
	}

	return models.Account{
		ID:   uint(id),
		Name: claims.Name,
		Nick: claims.Nick,
	}, nil
}

func extractToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); len(header) > 0 {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	// Browsers cannot set headers on a websocket handshake.
	return c.Query("tk")
}

// ContextMiddleware attaches the caller account when a token is present.
// Requests without a token pass through anonymously.
func ContextMiddleware(c *fiber.Ctx) error {
	tk := extractToken(c)
	if len(tk) == 0 {
		return c.Next()
	}

	if account, err := DecodeToken(tk); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	} else {
		c.Locals("user", account)
	}

	return c.Next()
}

func EnsureAuthenticated(c *fiber.Ctx) error {
	if _, ok := c.Locals("user").(models.Account); !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "you must sign in first")
	}
	return nil
}
