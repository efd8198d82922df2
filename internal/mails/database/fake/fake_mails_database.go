package fake

import (
	"sync"

	"github.com/OliverSchlueter/mail-sender/internal/mails"
)

type DB struct {
	Mails []mails.Mail
	mu    sync.Mutex
}

func NewDB() *DB {
	return &DB{
		Mails: []mails.Mail{},
		mu:    sync.Mutex{},
	}
}

func (db *DB) GetMails(userID string) ([]mails.Mail, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var userMails []mails.Mail
	for _, mail := range db.Mails {
		if mail.UserID == userID {
			userMails = append(userMails, mail)
		}
	}
	return userMails, nil
}

func (db *DB) GetMailByUID(userID string, uid uint32) (*mails.Mail, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, mail := range db.Mails {
		if mail.UserID == userID && mail.UID == uid {
			return &mail, nil
		}
	}

	return nil, mails.ErrMailNotFound
}

func (db *DB) InsertMail(mail mails.Mail) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.Mails {
		if existing.UserID == mail.UserID && existing.UID == mail.UID {
			return mails.ErrMailAlreadyExists
		}
	}

	db.Mails = append(db.Mails, mail)
	return nil
}

func (db *DB) DeleteMail(userID string, uid uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, mail := range db.Mails {
		if mail.UserID == userID && mail.UID == uid {
			db.Mails = append(db.Mails[:i], db.Mails[i+1:]...)
			return nil
		}
	}
	return mails.ErrMailNotFound
}
