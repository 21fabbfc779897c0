package middleware

import (
	"errors"
	"strconv"

	"github.com/go-pkgz/auth/v2/token"
	"github.com/gofiber/fiber/v2"
	"github.com/krishkalaria12/mesh-serve/auth"
)

func AuthMiddleware(authService *auth.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		var tokenStr string

		if authHeader != "" && len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		} else {
			tokenStr = c.Cookies("JWT")
		}

		if tokenStr == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"status":  "error",
				"message": "You are not authorized!",
				"data":    nil,
			})
		}

		claims, err := authService.TokenService().Parse(tokenStr)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"message": "Invalid token",
				"status":  "error",
				"data":    nil,
			})
		}

		// Store user and claims in context
		c.Locals("user", *claims.User)
		c.Locals("claims", claims)

		return c.Next()
	}
}

// AdminMiddleware rejects non-admin callers. Must run after AuthMiddleware.
func AdminMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user, ok := c.Locals("user").(token.User)
		if !ok || !user.BoolAttr("is_admin") {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"status":  "error",
				"message": "Admin access required",
				"data":    nil,
			})
		}
		return c.Next()
	}
}

// CheckUserLoggedIn returns the authenticated account id from the request.
func CheckUserLoggedIn(c *fiber.Ctx) (uint, error) {
	user, ok := c.Locals("user").(token.User)
	if !ok {
		return 0, errors.New("no authenticated user in context")
	}

	userID, err := strconv.ParseUint(user.ID, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint(userID), nil
}
