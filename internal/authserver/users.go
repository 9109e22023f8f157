package authserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when the username or password does not match.
	ErrInvalidCredentials = errors.New("auth_server.invalid_credentials")
	// ErrUserProfileNotFound is returned when a profile is missing in the store.
	ErrUserProfileNotFound = errors.New("auth_server.user_profile_not_found")
	// ErrDuplicateUsername is returned when AddUser reuses a username.
	ErrDuplicateUsername = errors.New("auth_server.duplicate_username")
)

// UserProfile is a curriculum staff account as exposed to clients.
type UserProfile struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

type userRecord struct {
	profile      UserProfile
	passwordHash []byte
}

// InMemoryUsers is a bcrypt-backed user store used for local runs and tests.
type InMemoryUsers struct {
	mutex      sync.RWMutex
	hashCost   int
	byUsername map[string]*userRecord
	byID       map[string]*userRecord
	decoyHash  []byte
}

// NewInMemoryUsers constructs an empty store. A non-positive hashCost uses bcrypt.DefaultCost.
func NewInMemoryUsers(hashCost int) *InMemoryUsers {
	if hashCost <= 0 {
		hashCost = bcrypt.DefaultCost
	}
	decoyHash, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), hashCost)
	return &InMemoryUsers{
		hashCost:   hashCost,
		byUsername: make(map[string]*userRecord),
		byID:       make(map[string]*userRecord),
		decoyHash:  decoyHash,
	}
}

// AddUser registers a staff account and returns its profile.
func (store *InMemoryUsers) AddUser(username string, password string, email string, displayName string, roles []string) (UserProfile, error) {
	normalized := normalizeUsername(username)
	if normalized == "" || password == "" {
		return UserProfile{}, fmt.Errorf("auth_server.add_user: username and password are required")
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.hashCost)
	if hashErr != nil {
		return UserProfile{}, fmt.Errorf("auth_server.add_user: %w", hashErr)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byUsername[normalized]; exists {
		return UserProfile{}, fmt.Errorf("auth_server.add_user: %s: %w", normalized, ErrDuplicateUsername)
	}
	record := &userRecord{
		profile: UserProfile{
			ID:          uuid.NewString(),
			Username:    normalized,
			Email:       email,
			DisplayName: displayName,
			Roles:       slices.Clone(roles),
		},
		passwordHash: passwordHash,
	}
	store.byUsername[normalized] = record
	store.byID[record.profile.ID] = record
	return cloneProfile(record.profile), nil
}

// Authenticate verifies the password for username.
func (store *InMemoryUsers) Authenticate(ctx context.Context, username string, password string) (UserProfile, error) {
	store.mutex.RLock()
	record, ok := store.byUsername[normalizeUsername(username)]
	store.mutex.RUnlock()
	if !ok {
		_ = bcrypt.CompareHashAndPassword(store.decoyHash, []byte(password))
		return UserProfile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		return UserProfile{}, ErrInvalidCredentials
	}
	return cloneProfile(record.profile), nil
}

// GetUserProfile returns a profile by application user id.
func (store *InMemoryUsers) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[applicationUserID]
	if !ok {
		return UserProfile{}, ErrUserProfileNotFound
	}
	return cloneProfile(record.profile), nil
}

// SeedStaff registers one account per workflow role, all sharing password.
func SeedStaff(store *InMemoryUsers, password string) ([]UserProfile, error) {
	staff := []struct {
		username string
		display  string
		roles    []string
	}{
		{username: "lecturer.mensah", display: "Ama Mensah", roles: []string{RoleProposer}},
		{username: "board.adeyemi", display: "Tunde Adeyemi", roles: []string{RoleSchoolBoard}},
		{username: "dean.okafor", display: "Ngozi Okafor", roles: []string{RoleDean}},
		{username: "senate.bello", display: "Ibrahim Bello", roles: []string{RoleSenate}},
		{username: "qa.eze", display: "Chidi Eze", roles: []string{RoleQualityAssurance}},
		{username: "vc.danjuma", display: "Halima Danjuma", roles: []string{RoleViceChancellor}},
		{username: "liaison.obi", display: "Kelechi Obi", roles: []string{RoleAccreditationLiaison}},
		{username: "registrar.admin", display: "Registry Administrator", roles: []string{RoleAdministrator}},
	}
	profiles := make([]UserProfile, 0, len(staff))
	for _, member := range staff {
		profile, err := store.AddUser(member.username, password, member.username+"@example.edu", member.display, member.roles)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func cloneProfile(profile UserProfile) UserProfile {
	profile.Roles = slices.Clone(profile.Roles)
	return profile
}
