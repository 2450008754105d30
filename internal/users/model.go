package users

// User is an account. SecretHash is a bcrypt hash and never leaves the service.
type User struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username        string `gorm:"column:username;size:64;not null;uniqueIndex"`
	Name            string `gorm:"column:name;size:128;not null;default:''"`
	SecretHash      string `gorm:"column:secret_hash;size:255;not null"`
	ProfilePicture  string `gorm:"column:profile_picture;size:512;not null;default:''"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing accounts.
func (User) TableName() string {
	return "users"
}

// Profile is the public view of a User.
type Profile struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	ProfilePicture  string `json:"profilePicture"`
	CreatedAtMillis int64  `json:"createdAt"`
}

// Profile strips the secret hash.
func (u User) Profile() Profile {
	return Profile{
		ID:              u.ID,
		Username:        u.Username,
		Name:            u.Name,
		ProfilePicture:  u.ProfilePicture,
		CreatedAtMillis: u.CreatedAtMillis,
	}
}

// Session is returned by Login.
type Session struct {
	User      Profile `json:"user"`
	Token     string  `json:"token,omitempty"`
	ExpiresIn int64   `json:"expiresIn,omitempty"`
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Username       string `json:"username" validate:"required,max=64"`
	Name           string `json:"name" validate:"max=128"`
	Secret         string `json:"password" validate:"required,max=72"`
	ProfilePicture string `json:"profilePicture" validate:"max=512"`
}

// LoginInput carries login credentials.
type LoginInput struct {
	Username string `json:"username" validate:"required,max=64"`
	Secret   string `json:"password" validate:"required"`
}

// UpdateInput changes an account. Nil fields are left untouched.
type UpdateInput struct {
	UserID         int64   `json:"userId" validate:"gt=0"`
	Secret         string  `json:"-"`
	Username       *string `json:"username" validate:"omitempty,min=1,max=64"`
	Name           *string `json:"name" validate:"omitempty,max=128"`
	NewSecret      *string `json:"newPassword" validate:"omitempty,min=1,max=72"`
	ProfilePicture *string `json:"profilePicture" validate:"omitempty,max=512"`
}
