package users

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
)

type DB interface {
	GetByName(name string) (*User, error)
	GetByEmail(email string) (*User, error)
	DoesUserExistByEmail(email string) (bool, error)
	Insert(user User) error
}

type Store struct {
	db DB
}

type Configuration struct {
	DB DB
}

func NewStore(config Configuration) *Store {
	return &Store{
		db: config.DB,
	}
}

func (s *Store) GetByName(name string) (*User, error) {
	return s.db.GetByName(name)
}

func (s *Store) GetByEmail(email string) (*User, error) {
	return s.db.GetByEmail(email)
}

func (s *Store) DoesUserExistByEmail(email string) (bool, error) {
	return s.db.DoesUserExistByEmail(email)
}

func (s *Store) Create(u User) error {
	if u.PrimaryEmail != "" && !u.HasEmail(u.PrimaryEmail) {
		u.Emails = append(u.Emails, u.PrimaryEmail)
	}

	u.ID = GenerateID()
	u.Password = Hash(u.Password)

	return s.db.Insert(u)
}

// Authenticate checks the credentials of an AUTH LOGIN exchange.
func (s *Store) Authenticate(name, password string) (*User, error) {
	u, err := s.db.GetByName(name)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(Hash(password))) != 1 {
		return nil, ErrInvalidPassword
	}

	return u, nil
}

func GenerateID() string {
	return uuid.New().String()
}

func Hash(password string) string {
	h := sha256.New()
	h.Write([]byte(password))
	bs := h.Sum(nil)
	return fmt.Sprintf("%x", bs)
}
