package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rspadim/oms-position/internal/model"
	"github.com/rspadim/oms-position/internal/store/storetest"
)

func TestDefaultReasonPerRole(t *testing.T) {
	require.Equal(t, "trader", RoleTrader.DefaultReason())
	require.Equal(t, "robot", RoleRobot.DefaultReason())
	require.Equal(t, "portfolio_manager", RolePortfolioManager.DefaultReason())
	require.Equal(t, "risk", RoleRisk.DefaultReason())
	require.Equal(t, "readonly", RoleReadonly.DefaultReason())
	require.Equal(t, "readonly", RoleAdmin.DefaultReason())
}

func TestIsAdmin(t *testing.T) {
	require.True(t, Context{Role: RoleAdmin}.IsAdmin())
	require.False(t, Context{Role: RoleTrader}.IsAdmin())
}

func TestHashAPIKeyIsStableSHA256(t *testing.T) {
	h1 := HashAPIKey("my-secret-key")
	h2 := HashAPIKey("my-secret-key")
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
	require.NotEqual(t, h1, HashAPIKey("other-key"))
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := PasswordHash("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, VerifyPassword(hash, "correct horse battery staple"))
	require.False(t, VerifyPassword(hash, "wrong password"))
}

func TestPasswordHashUsesDistinctSalts(t *testing.T) {
	h1, err := PasswordHash("same-password")
	require.NoError(t, err)
	h2, err := PasswordHash("same-password")
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	require.False(t, VerifyPassword("not-a-valid-hash", "anything"))
	require.False(t, VerifyPassword("md5$salt$digest", "anything"))
}

func TestLoginWithPasswordSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, err := PasswordHash("s3cret")
	require.NoError(t, err)
	ms.On("FetchUserByUsername", mock.Anything, mock.Anything, "trader1").Return(&model.User{
		ID: 7, Username: "trader1", Role: "trader", Status: "active",
	}, nil)
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)
	ms.On("ListActiveAPIKeysForUser", mock.Anything, mock.Anything, int64(7)).Return([]int64{11, 12}, nil)
	ms.On("CreateAuthToken", mock.Anything, mock.Anything, int64(7), int64(11), mock.Anything, mock.Anything).Return(nil)

	a := NewAuthenticator(ms)
	result, err := a.LoginWithPassword(context.Background(), "trader1", "s3cret", nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), result.UserID)
	require.Equal(t, int64(11), result.APIKeyID)
	require.Equal(t, RoleTrader, result.Role)
	require.NotEmpty(t, result.Token)
}

func TestLoginWithPasswordWrongPassword(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, _ := PasswordHash("s3cret")
	ms.On("FetchUserByUsername", mock.Anything, mock.Anything, "trader1").Return(&model.User{
		ID: 7, Username: "trader1", Role: "trader", Status: "active",
	}, nil)
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)

	a := NewAuthenticator(ms)
	_, err := a.LoginWithPassword(context.Background(), "trader1", "wrong", nil)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithPasswordUnknownUser(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchUserByUsername", mock.Anything, mock.Anything, "ghost").Return((*model.User)(nil), nil)

	a := NewAuthenticator(ms)
	_, err := a.LoginWithPassword(context.Background(), "ghost", "anything", nil)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWithPasswordNoActiveAPIKey(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, _ := PasswordHash("s3cret")
	ms.On("FetchUserByUsername", mock.Anything, mock.Anything, "trader1").Return(&model.User{
		ID: 7, Username: "trader1", Role: "trader", Status: "active",
	}, nil)
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)
	ms.On("ListActiveAPIKeysForUser", mock.Anything, mock.Anything, int64(7)).Return([]int64{}, nil)

	a := NewAuthenticator(ms)
	_, err := a.LoginWithPassword(context.Background(), "trader1", "s3cret", nil)
	require.ErrorIs(t, err, ErrNoActiveAPIKey)
}

func TestLoginWithPasswordExplicitAPIKeyNotAllowed(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, _ := PasswordHash("s3cret")
	ms.On("FetchUserByUsername", mock.Anything, mock.Anything, "trader1").Return(&model.User{
		ID: 7, Username: "trader1", Role: "trader", Status: "active",
	}, nil)
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)
	ms.On("ListActiveAPIKeysForUser", mock.Anything, mock.Anything, int64(7)).Return([]int64{11}, nil)

	other := int64(99)
	a := NewAuthenticator(ms)
	_, err := a.LoginWithPassword(context.Background(), "trader1", "s3cret", &other)
	require.ErrorIs(t, err, ErrAPIKeyNotAllowed)
}

func TestUpdatePasswordSuccess(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, _ := PasswordHash("old-pass")
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)
	ms.On("SetUserPasswordHash", mock.Anything, mock.Anything, int64(7), mock.Anything).Return(nil)

	a := NewAuthenticator(ms)
	err := a.UpdatePassword(context.Background(), 7, "old-pass", "new-pass")
	require.NoError(t, err)
}

func TestUpdatePasswordWrongCurrent(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	hash, _ := PasswordHash("old-pass")
	ms.On("FetchUserPasswordHash", mock.Anything, mock.Anything, int64(7)).Return(hash, nil)

	a := NewAuthenticator(ms)
	err := a.UpdatePassword(context.Background(), 7, "wrong", "new-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestProfileNotFound(t *testing.T) {
	ms := new(storetest.MockStore)
	tx := &storetest.FakeTx{}
	ms.On("BeginTx", mock.Anything).Return(tx, nil)
	ms.On("FetchUserByID", mock.Anything, mock.Anything, int64(99)).Return((*model.User)(nil), nil)

	a := NewAuthenticator(ms)
	_, err := a.Profile(context.Background(), 99)
	require.ErrorIs(t, err, ErrUserNotFound)
}
