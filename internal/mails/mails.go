package mails

import (
	"math/rand"
)

type DB interface {
	GetMails(userID string) ([]Mail, error)
	GetMailByUID(userID string, uid uint32) (*Mail, error)
	InsertMail(mail Mail) error
	DeleteMail(userID string, uid uint32) error
}

type Store struct {
	db DB
}

type Configuration struct {
	DB DB
}

func NewStore(cfg Configuration) *Store {
	return &Store{
		db: cfg.DB,
	}
}

func (s *Store) GetMails(userID string) ([]Mail, error) {
	return s.db.GetMails(userID)
}

func (s *Store) GetMailByUID(userID string, uid uint32) (*Mail, error) {
	return s.db.GetMailByUID(userID, uid)
}

func (s *Store) CreateMail(mail Mail) error {
	if mail.UserID == "" {
		return ErrMissingRecipient
	}
	if mail.UID == 0 {
		mail.UID = RandomUID()
	}
	if mail.Headers == nil {
		mail.Headers = ParseHeaders(mail.Body)
	}
	if mail.Size == 0 {
		mail.Size = int64(len(mail.Body))
	}

	return s.db.InsertMail(mail)
}

func (s *Store) DeleteMail(userID string, uid uint32) error {
	return s.db.DeleteMail(userID, uid)
}

func RandomUID() uint32 {
	return rand.Uint32()
}
