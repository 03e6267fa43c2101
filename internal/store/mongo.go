// ABOUTME: MongoDB implementation of the Store interface using the official v2 driver
// ABOUTME: Conversations embed participant status, messages embed their read receipts

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore implements the Store interface on MongoDB.
// BSON dates carry millisecond precision; ordering ties are broken by ID.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *slog.Logger
}

var _ Store = (*MongoStore)(nil)

type userDoc struct {
	ID          string    `bson:"_id"`
	DisplayName string    `bson:"display_name"`
	CreatedAt   time.Time `bson:"created_at"`
}

type participantDoc struct {
	UserID      string    `bson:"user_id"`
	UnreadCount int       `bson:"unread_count"`
	LastSeen    time.Time `bson:"last_seen"`
}

type conversationDoc struct {
	ID            string           `bson:"_id"`
	Participants  []participantDoc `bson:"participants"`
	Title         string           `bson:"title,omitempty"`
	IsGroup       bool             `bson:"is_group"`
	IconURL       string           `bson:"icon_url,omitempty"`
	CreatedAt     time.Time        `bson:"created_at"`
	LastActivity  time.Time        `bson:"last_activity"`
	LastMessageID string           `bson:"last_message_id,omitempty"`
	DirectKey     string           `bson:"direct_key,omitempty"`
	Version       int64            `bson:"version"`
}

type receiptDoc struct {
	UserID string     `bson:"user_id"`
	ReadAt *time.Time `bson:"read_at"`
}

type messageDoc struct {
	ID              string       `bson:"_id"`
	ConversationID  string       `bson:"conversation_id"`
	SenderID        string       `bson:"sender_id"`
	Content         string       `bson:"content"`
	Type            string       `bson:"type"`
	AttachmentURL   string       `bson:"attachment_url,omitempty"`
	ClientMessageID string       `bson:"client_message_id,omitempty"`
	Timestamp       time.Time    `bson:"timestamp"`
	Receipts        []receiptDoc `bson:"receipts"`
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store")

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		logger: logger,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	collections := map[*mongo.Collection][]mongo.IndexModel{
		s.conversations(): {
			{Keys: bson.D{{Key: "participants.user_id", Value: 1}, {Key: "is_group", Value: 1}}},
			{Keys: bson.D{{Key: "last_activity", Value: -1}}},
			{
				// Sparse: groups omit direct_key entirely
				Keys:    bson.D{{Key: "direct_key", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true).SetName("unique_direct_pair"),
			},
		},
		s.messages(): {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "receipts.user_id", Value: 1}}},
		},
	}

	for coll, indexes := range collections {
		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("indexing %s: %w", coll.Name(), err)
		}
	}
	return nil
}

// Ping checks the server is reachable
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	s.logger.Info("closing MongoDB store")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// CreateUser inserts a user document.
func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.users().InsertOne(ctx, userDoc{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		CreatedAt:   user.CreatedAt.UTC(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var doc userDoc
	err := s.users().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &User{ID: doc.ID, DisplayName: doc.DisplayName, CreatedAt: doc.CreatedAt}, nil
}

// UserExists reports whether the user document exists.
func (s *MongoStore) UserExists(ctx context.Context, id string) (bool, error) {
	n, err := s.users().CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("counting users: %w", err)
	}
	return n > 0, nil
}

func toConversationDoc(conv *Conversation) conversationDoc {
	doc := conversationDoc{
		ID:            conv.ID,
		Participants:  make([]participantDoc, 0, len(conv.Participants)),
		Title:         conv.Title,
		IsGroup:       conv.IsGroup,
		IconURL:       conv.IconURL,
		CreatedAt:     conv.CreatedAt.UTC(),
		LastActivity:  conv.LastActivity.UTC(),
		LastMessageID: conv.LastMessageID,
		DirectKey:     directKey(conv),
		Version:       conv.Version,
	}
	for _, userID := range conv.Participants {
		status := conv.ParticipantStatus[userID]
		doc.Participants = append(doc.Participants, participantDoc{
			UserID:      userID,
			UnreadCount: status.UnreadCount,
			LastSeen:    status.LastSeen.UTC(),
		})
	}
	return doc
}

func (d conversationDoc) toConversation() *Conversation {
	conv := &Conversation{
		ID:                d.ID,
		Participants:      make([]string, 0, len(d.Participants)),
		Title:             d.Title,
		IsGroup:           d.IsGroup,
		IconURL:           d.IconURL,
		CreatedAt:         d.CreatedAt,
		LastActivity:      d.LastActivity,
		LastMessageID:     d.LastMessageID,
		ParticipantStatus: make(map[string]ParticipantStatus, len(d.Participants)),
		Version:           d.Version,
	}
	for _, p := range d.Participants {
		conv.Participants = append(conv.Participants, p.UserID)
		conv.ParticipantStatus[p.UserID] = ParticipantStatus{UnreadCount: p.UnreadCount, LastSeen: p.LastSeen}
	}
	return conv
}

// CreateConversation inserts a conversation document.
func (s *MongoStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if _, err := s.conversations().InsertOne(ctx, toConversationDoc(conv)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	s.logger.Debug("created conversation", "id", conv.ID, "is_group", conv.IsGroup)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var doc conversationDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return doc.toConversation(), nil
}

// UpdateConversation replaces mutable fields when the stored version matches.
func (s *MongoStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	doc := toConversationDoc(conv)
	result, err := s.conversations().UpdateOne(ctx,
		bson.M{"_id": conv.ID, "version": conv.Version},
		bson.M{
			"$set": bson.M{
				"participants":    doc.Participants,
				"title":           doc.Title,
				"icon_url":        doc.IconURL,
				"last_activity":   doc.LastActivity,
				"last_message_id": doc.LastMessageID,
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if result.MatchedCount == 0 {
		n, err := s.conversations().CountDocuments(ctx, bson.M{"_id": conv.ID}, options.Count().SetLimit(1))
		if err != nil {
			return fmt.Errorf("counting conversations: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	conv.Version++
	return nil
}

var byLastActivity = options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}, {Key: "_id", Value: 1}})

// ListConversationsByParticipant returns conversations userID belongs to.
func (s *MongoStore) ListConversationsByParticipant(ctx context.Context, userID string) ([]*Conversation, error) {
	return s.findConversations(ctx, bson.M{"participants.user_id": userID})
}

// ListConversationsWithParticipants returns conversations of one kind containing both a and b.
func (s *MongoStore) ListConversationsWithParticipants(ctx context.Context, a, b string, isGroup bool) ([]*Conversation, error) {
	return s.findConversations(ctx, bson.M{
		"is_group":             isGroup,
		"participants.user_id": bson.M{"$all": bson.A{a, b}},
	})
}

// ListConversationsByParticipantAndGroup returns userID's conversations of one kind.
func (s *MongoStore) ListConversationsByParticipantAndGroup(ctx context.Context, userID string, isGroup bool) ([]*Conversation, error) {
	return s.findConversations(ctx, bson.M{"participants.user_id": userID, "is_group": isGroup})
}

func (s *MongoStore) findConversations(ctx context.Context, filter bson.M) ([]*Conversation, error) {
	cursor, err := s.conversations().Find(ctx, filter, byLastActivity)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding conversations: %w", err)
	}

	convs := make([]*Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, d.toConversation())
	}
	return convs, nil
}

func toReceiptDocs(receipts map[string]*time.Time) []receiptDoc {
	ids := make([]string, 0, len(receipts))
	for id := range receipts {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	docs := make([]receiptDoc, 0, len(ids))
	for _, id := range ids {
		var readAt *time.Time
		if at := receipts[id]; at != nil {
			t := at.UTC()
			readAt = &t
		}
		docs = append(docs, receiptDoc{UserID: id, ReadAt: readAt})
	}
	return docs
}

func (d messageDoc) toMessage() *Message {
	msg := &Message{
		ID:              d.ID,
		ConversationID:  d.ConversationID,
		SenderID:        d.SenderID,
		Content:         d.Content,
		Type:            MessageType(d.Type),
		AttachmentURL:   d.AttachmentURL,
		ClientMessageID: d.ClientMessageID,
		Timestamp:       d.Timestamp,
		Receipts:        make(map[string]*time.Time, len(d.Receipts)),
	}
	for _, r := range d.Receipts {
		msg.Receipts[r.UserID] = r.ReadAt
	}
	return msg
}

// CreateMessage inserts a message document with embedded receipts.
func (s *MongoStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.messages().InsertOne(ctx, messageDoc{
		ID:              msg.ID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		Type:            string(msg.Type),
		AttachmentURL:   msg.AttachmentURL,
		ClientMessageID: msg.ClientMessageID,
		Timestamp:       msg.Timestamp.UTC(),
		Receipts:        toReceiptDocs(msg.Receipts),
	})
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return doc.toMessage(), nil
}

// UpdateMessage records read receipts one element at a time. The filter only
// matches unread elements, so concurrent readers never overwrite each other.
func (s *MongoStore) UpdateMessage(ctx context.Context, msg *Message) error {
	n, err := s.messages().CountDocuments(ctx, bson.M{"_id": msg.ID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("counting messages: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	for _, r := range toReceiptDocs(msg.Receipts) {
		if r.ReadAt == nil {
			continue
		}
		_, err := s.messages().UpdateOne(ctx,
			bson.M{
				"_id":      msg.ID,
				"receipts": bson.M{"$elemMatch": bson.M{"user_id": r.UserID, "read_at": nil}},
			},
			bson.M{"$set": bson.M{"receipts.$.read_at": r.ReadAt}},
		)
		if err != nil {
			return fmt.Errorf("updating receipt for %s: %w", r.UserID, err)
		}
	}
	return nil
}

var byTimestamp = options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

// ListMessagesByConversation returns a conversation's messages in timestamp order.
func (s *MongoStore) ListMessagesByConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.findMessages(ctx, bson.M{"conversation_id": conversationID})
}

// ListUnreadMessages returns messages where userID holds an unread receipt.
func (s *MongoStore) ListUnreadMessages(ctx context.Context, userID string) ([]*Message, error) {
	return s.findMessages(ctx, bson.M{
		"receipts": bson.M{"$elemMatch": bson.M{"user_id": userID, "read_at": nil}},
	})
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M) ([]*Message, error) {
	cursor, err := s.messages().Find(ctx, filter, byTimestamp)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}

	msgs := make([]*Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, d.toMessage())
	}
	return msgs, nil
}
