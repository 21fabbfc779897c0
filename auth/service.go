package auth

import (
	"errors"
	"net/mail"
	"strconv"
	"time"

	pkgzauth "github.com/go-pkgz/auth/v2"
	"github.com/go-pkgz/auth/v2/avatar"
	"github.com/go-pkgz/auth/v2/provider"
	"github.com/go-pkgz/auth/v2/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/krishkalaria12/mesh-serve/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const appName = "mesh-serve-app"

// Service wraps go-pkgz/auth with credential checks against our user table.
type Service struct {
	svc *pkgzauth.Service
	db  *gorm.DB
}

func NewService(db *gorm.DB, jwtSecret, appURL string) *Service {
	s := &Service{db: db}

	options := pkgzauth.Opts{
		SecretReader: token.SecretFunc(func(id string) (string, error) {
			return jwtSecret, nil
		}),
		TokenDuration:  time.Hour * 24,     // JWT token duration
		CookieDuration: time.Hour * 24 * 7, // Cookie duration
		Issuer:         appName,
		URL:            appURL,
		AvatarStore:    avatar.NewLocalFS("/tmp/avatars"),
	}

	service := pkgzauth.NewService(options)
	service.AddDirectProvider("local", provider.CredCheckerFunc(func(identity, password string) (bool, error) {
		return s.ValidateUserCredentials(identity, password)
	}))

	s.svc = service
	return s
}

func (s *Service) TokenService() *token.Service {
	return s.svc.TokenService()
}

// IssueToken builds a signed JWT for the user, with the admin flag carried as
// a claim attribute so middleware can gate admin routes without a DB hit.
func (s *Service) IssueToken(u *models.User) (string, error) {
	user := token.User{
		ID:    strconv.FormatUint(uint64(u.ID), 10),
		Name:  u.FullName,
		Email: u.Email,
		Attributes: map[string]interface{}{
			"username": u.Username,
			"is_admin": u.IsAdmin,
		},
	}

	claims := token.Claims{
		User: &user,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    appName,
			Audience:  []string{appName},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour * 24)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	return s.svc.TokenService().Token(claims)
}

// ValidateUserCredentials validates user credentials against the database
func (s *Service) ValidateUserCredentials(identity, password string) (bool, error) {
	user, err := s.UserByIdentity(identity)
	if err != nil {
		return false, err
	}

	if user == nil {
		return false, nil // User not found
	}

	// Check password
	if !CheckPasswordHash(password, user.Password) {
		return false, nil // Invalid password
	}

	return true, nil
}

// UserByIdentity looks a user up by email or username, nil when missing.
func (s *Service) UserByIdentity(identity string) (*models.User, error) {
	var user models.User
	query := s.db.Where("username = ?", identity)
	if isEmail(identity) {
		query = s.db.Where("email = ?", identity)
	}

	if err := query.First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	return string(hashed), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func isEmail(identity string) bool {
	_, err := mail.ParseAddress(identity)
	return err == nil
}
