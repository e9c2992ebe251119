package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func respond(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{"success": true, "data": data})
}

func respondError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"success": false, "message": message})
}

// parseBody decodes and validates a request DTO. The returned message is
// ready to be sent back to the client.
func parseBody(c *fiber.Ctx, dst any) (string, bool) {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(dst); err != nil {
			return "Invalid request body", false
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err), false
	}
	return "", true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request body"
	}

	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "gt":
			parts = append(parts, fmt.Sprintf("%s must be greater than %s", field, e.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

func parseUserID(c *fiber.Ctx) (int64, error) {
	userIDStr, ok := c.Locals("user_id").(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(userIDStr, 10, 64)
}

func parsePathID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// actor resolves the caller and checks the role against allowed. The
// error is a *fiber.Error ready for fail.
func actor(c *fiber.Ctx, allowed ...string) (int64, error) {
	role, _ := c.Locals("role").(string)
	permitted := len(allowed) == 0
	for _, r := range allowed {
		if r == role {
			permitted = true
			break
		}
	}
	if !permitted {
		return 0, fiber.NewError(fiber.StatusForbidden, "Forbidden")
	}

	userID, err := parseUserID(c)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
	}
	return userID, nil
}

func fail(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return respondError(c, fe.Code, fe.Message)
	}
	return respondError(c, fiber.StatusInternalServerError, "Internal server error")
}
