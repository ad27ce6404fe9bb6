// Package database implements a subscription store on database/sql.
// Expiry bounds are passed as query parameters, so the same statements
// run on sqlite and mysql drivers alike.
package database

import (
	"database/sql"
	"sync"
	"time"

	"mauve.dev/websub/handler"
	"mauve.dev/websub/model"
	"mauve.dev/websub/store"
)

const cleanupInterval = 60 * time.Second

// Setup creates the topics and subscriptions tables if they do not exist.
// The schema targets sqlite, other engines need equivalent tables with an
// auto incrementing id column.
func Setup(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS topics (
		id INTEGER PRIMARY KEY,
		topic TEXT NOT NULL UNIQUE
	)`)

	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		topic_id INTEGER NOT NULL REFERENCES topics(id),
		callback TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		lease INTEGER NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		UNIQUE (topic_id, callback)
	)`)

	return err
}

// New creates a new database store. The store takes ownership of the
// handle and closes it on Close.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		Handler: handler.New(),
		db:      db,
		done:    make(chan struct{}),
	}

	go func() {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				s.Cleanup()
			case <-s.done:
				return
			}
		}
	}()

	return s, nil
}

// Store represents a database backed store.
type Store struct {
	*handler.Handler

	db *sql.DB

	done      chan struct{}
	closeOnce sync.Once
}

// Cleanup removes expired subscriptions, then topics left without any.
func (s *Store) Cleanup() {
	_, err := s.db.Exec("DELETE FROM subscriptions WHERE expires_at <= ?", time.Now())

	if err != nil {
		return
	}

	s.db.Exec("DELETE FROM topics WHERE NOT EXISTS (SELECT 1 FROM subscriptions WHERE subscriptions.topic_id = topics.id)")
}

// All retrieves all unexpired active subscriptions for a topic.
func (s *Store) All(topic string) ([]model.Subscription, error) {
	topicID, err := s.findTopic(topic)

	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT id, callback, secret, lease, expires_at FROM subscriptions WHERE topic_id = ? AND expires_at > ?",
		topicID, time.Now())

	if err != nil {
		return nil, err
	}

	defer rows.Close()

	subscriptions := make([]model.Subscription, 0)

	for rows.Next() {
		sub := model.Subscription{
			Topic: topic,
			State: model.StateActive,
		}

		var leaseSeconds int

		if err := rows.Scan(&sub.ID, &sub.Callback, &sub.Secret, &leaseSeconds, &sub.Expires); err != nil {
			return nil, err
		}

		sub.LeaseTime = time.Duration(leaseSeconds) * time.Second

		subscriptions = append(subscriptions, sub)
	}

	return subscriptions, rows.Err()
}

// findTopic will find an existing topic and return the id.
func (s *Store) findTopic(topic string) (int64, error) {
	topicRow := s.db.QueryRow("SELECT id FROM topics WHERE topic = ?", topic)

	var topicID int64

	if err := topicRow.Scan(&topicID); err != nil {
		if err == sql.ErrNoRows {
			return -1, store.ErrNotFound
		}

		return -1, err
	}

	return topicID, nil
}

// findOrCreateTopic will find an existing topic, or create a new topic and return the id.
func (s *Store) findOrCreateTopic(topic string) (int64, error) {
	topicID, err := s.findTopic(topic)

	if err == nil {
		return topicID, nil
	}

	if err != store.ErrNotFound {
		return -1, err
	}

	topicRes, err := s.db.Exec("INSERT INTO topics (topic) VALUES (?)", topic)

	if err != nil {
		return -1, err
	}

	return topicRes.LastInsertId()
}

// Add stores a subscription in the table for its topic, replacing any
// previous row for the same callback.
func (s *Store) Add(sub model.Subscription) error {
	topicID, err := s.findOrCreateTopic(sub.Topic)

	if err != nil {
		return err
	}

	tx, err := s.db.Begin()

	if err != nil {
		return err
	}

	if _, err = tx.Exec("DELETE FROM subscriptions WHERE topic_id = ? AND callback = ?", topicID, sub.Callback); err != nil {
		tx.Rollback()
		return err
	}

	res, err := tx.Exec("INSERT INTO subscriptions (topic_id, callback, secret, lease, expires_at) VALUES (?, ?, ?, ?, ?)",
		topicID, sub.Callback, sub.Secret, sub.LeaseTime/time.Second, sub.Expires)

	if err != nil {
		tx.Rollback()
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}

	sub.ID, err = res.LastInsertId()

	if err != nil {
		return err
	}

	s.Call(&store.Added{Subscription: sub})
	return nil
}

// Get retrieves a subscription for the specified topic and callback.
func (s *Store) Get(topic, callback string) (*model.Subscription, error) {
	topicID, err := s.findTopic(topic)

	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow("SELECT id, callback, secret, lease, expires_at FROM subscriptions WHERE topic_id = ? AND callback = ?", topicID, callback)

	sub := model.Subscription{
		Topic: topic,
		State: model.StateActive,
	}

	var leaseSeconds int

	if err := row.Scan(&sub.ID, &sub.Callback, &sub.Secret, &leaseSeconds, &sub.Expires); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}

		return nil, err
	}

	sub.LeaseTime = time.Duration(leaseSeconds) * time.Second

	return &sub, nil
}

// Remove removes a subscription row for the specified topic and callback.
func (s *Store) Remove(sub model.Subscription) error {
	var res sql.Result
	var err error

	if sub.ID > 0 {
		res, err = s.db.Exec("DELETE FROM subscriptions WHERE id = ?", sub.ID)
	} else {
		var topicID int64

		if topicID, err = s.findTopic(sub.Topic); err != nil {
			return err
		}

		res, err = s.db.Exec("DELETE FROM subscriptions WHERE topic_id = ? AND callback = ?", topicID, sub.Callback)
	}

	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}

	s.Call(&store.Removed{Subscription: sub})
	return nil
}

// Close stops the cleanup goroutine and closes the underlying database.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	return s.db.Close()
}
