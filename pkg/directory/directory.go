package directory

import (
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/GRhin/stronghold-lobby/pkg/model"
)

var (
	ErrNotFound         = errors.New("user not found")
	ErrBadCredentials   = errors.New("invalid credentials")
	ErrAlreadyFriends   = errors.New("already friends")
	ErrDuplicateRequest = errors.New("request already pending")
	ErrNoRequest        = errors.New("no pending request")
	ErrNameTaken        = errors.New("name already registered")
)

// Store wraps the directory database. All friend-graph mutations load both
// records, mutate in memory and save, relying on the coordinator layer to
// serialize per-connection operations.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// Register creates a user with a fresh persistent id and default rating.
func (s *Store) Register(name, password string) (model.User, error) {
	var count int64
	s.db.Model(&model.User{}).Where("name = ?", name).Count(&count)
	if count > 0 {
		return model.User{}, ErrNameTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, err
	}
	user := model.User{
		UserID:       uuid.NewString(),
		Name:         name,
		PasswordHash: string(hash),
		Friends:      []string{},
		Requests:     []string{},
		Rating:       1000,
	}
	if err := s.db.Create(&user).Error; err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Login verifies the password and returns the user record.
func (s *Store) Login(name, password string) (model.User, error) {
	var user model.User
	if err := s.db.Where("name = ?", name).First(&user).Error; err != nil {
		return model.User{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return model.User{}, ErrBadCredentials
	}
	return user, nil
}

func (s *Store) Get(userID string) (model.User, error) {
	var user model.User
	if err := s.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, err
	}
	return user, nil
}

// Rating returns the stored rating, or the 1000 default when the record is
// absent or the lookup fails.
func (s *Store) Rating(userID string) int {
	user, err := s.Get(userID)
	if err != nil {
		return 1000
	}
	return user.Rating
}

func (s *Store) UpdateRating(userID string, rating int) error {
	res := s.db.Model(&model.User{}).Where("user_id = ?", userID).Update("rating", rating)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestFriend records an inbound request on the target.
func (s *Store) RequestFriend(fromID, toID string) error {
	target, err := s.Get(toID)
	if err != nil {
		return err
	}
	if target.HasFriend(fromID) {
		return ErrAlreadyFriends
	}
	if target.HasRequest(fromID) {
		return ErrDuplicateRequest
	}
	target.Requests = append(target.Requests, fromID)
	return s.db.Save(&target).Error
}

// AcceptFriend moves requesterID from pending requests to both friend lists.
func (s *Store) AcceptFriend(userID, requesterID string) error {
	user, err := s.Get(userID)
	if err != nil {
		return err
	}
	if !user.HasRequest(requesterID) {
		return ErrNoRequest
	}
	requester, err := s.Get(requesterID)
	if err != nil {
		return err
	}
	user.DropRequest(requesterID)
	if !user.HasFriend(requesterID) {
		user.Friends = append(user.Friends, requesterID)
	}
	if !requester.HasFriend(userID) {
		requester.Friends = append(requester.Friends, userID)
	}
	if err := s.db.Save(&user).Error; err != nil {
		return err
	}
	return s.db.Save(&requester).Error
}

// RejectFriend drops a pending request without linking.
func (s *Store) RejectFriend(userID, requesterID string) error {
	user, err := s.Get(userID)
	if err != nil {
		return err
	}
	if !user.HasRequest(requesterID) {
		return ErrNoRequest
	}
	user.DropRequest(requesterID)
	return s.db.Save(&user).Error
}

// Friends resolves the friend list to public records.
func (s *Store) Friends(userID string) ([]model.PublicUser, error) {
	user, err := s.Get(userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.PublicUser, 0, len(user.Friends))
	for _, id := range user.Friends {
		friend, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, friend.Public())
	}
	return out, nil
}

// Search finds users by display-name substring.
func (s *Store) Search(query string, limit int) ([]model.PublicUser, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var users []model.User
	if err := s.db.Where("name LIKE ?", "%"+query+"%").Limit(limit).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make([]model.PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

// SaveMessage persists one direct message.
func (s *Store) SaveMessage(m model.Message) error {
	return s.db.Create(&m).Error
}

// History returns the most recent direct messages between two users, oldest
// first.
func (s *Store) History(a, b string, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var msgs []model.Message
	err := s.db.
		Where("(from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)", a, b, b, a).
		Order("id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
