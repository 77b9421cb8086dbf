package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

type StoreTestSuite struct {
	suite.Suite
	ctx context.Context
	db  *GormStore
}

func (suite *StoreTestSuite) SetupTest() {
	suite.ctx = context.Background()

	db, err := Open("file::memory:?cache=shared")
	suite.Require().NoError(err)
	suite.Require().NoError(db.Migrate())

	suite.db = db
}

func (suite *StoreTestSuite) TearDownTest() {
	suite.Require().NoError(suite.db.Close())
}

func (suite *StoreTestSuite) TestCreateGetDeleteInstance() {
	inst := &types.Instance{
		ID:     uuid.New(),
		Kind:   types.KindVLLM,
		Name:   "x",
		Port:   8001,
		Status: types.StatusRunning,
		VLLM:   types.VLLMConfig{ModelRef: "org/model"},
	}
	suite.Require().NoError(suite.db.CreateInstance(suite.ctx, inst))
	suite.Require().NoError(suite.db.ReservePort(suite.ctx, 8001, inst.ID))

	got, err := suite.db.GetInstance(suite.ctx, inst.ID)
	suite.Require().NoError(err)
	suite.Equal(inst.Name, got.Name)
	suite.Equal(inst.Port, got.Port)
	suite.Equal("org/model", got.VLLM.ModelRef)

	suite.Require().NoError(suite.db.DeleteInstance(suite.ctx, inst.ID))
	suite.Require().NoError(suite.db.ReleasePort(suite.ctx, 8001))

	_, err = suite.db.GetInstance(suite.ctx, inst.ID)
	suite.True(apperr.Is(err, apperr.KindNotFound))
}

func (suite *StoreTestSuite) TestCreateInstanceConflictingPort() {
	first := &types.Instance{ID: uuid.New(), Kind: types.KindVLLM, Name: "a", Port: 8005, Status: types.StatusRunning}
	suite.Require().NoError(suite.db.CreateInstance(suite.ctx, first))

	second := &types.Instance{ID: uuid.New(), Kind: types.KindOllama, Name: "b", Port: 8005, Status: types.StatusRunning}
	err := suite.db.CreateInstance(suite.ctx, second)
	suite.Require().Error(err)
	suite.True(apperr.Is(err, apperr.KindConflict))
}

func (suite *StoreTestSuite) TestPortReservationRoundTrip() {
	id := uuid.New()
	suite.Require().NoError(suite.db.ReservePort(suite.ctx, 8010, id))

	err := suite.db.ReservePort(suite.ctx, 8010, uuid.New())
	suite.True(apperr.Is(err, apperr.KindConflict))

	port, ok, err := suite.db.LookupPort(suite.ctx, id)
	suite.Require().NoError(err)
	suite.True(ok)
	suite.Equal(8010, port)

	suite.Require().NoError(suite.db.ReleasePort(suite.ctx, 8010))
	_, ok, err = suite.db.LookupPort(suite.ctx, id)
	suite.Require().NoError(err)
	suite.False(ok)
}

func (suite *StoreTestSuite) TestModelCascadeDelete() {
	inst := &types.Instance{ID: uuid.New(), Kind: types.KindOllama, Name: "o", Status: types.StatusRunning}
	suite.Require().NoError(suite.db.CreateInstance(suite.ctx, inst))

	suite.Require().NoError(suite.db.UpsertModel(suite.ctx, &types.OllamaModel{
		InstanceID: inst.ID,
		Name:       "llama3:8b",
		Status:     types.ModelDownloading,
	}))

	models, err := suite.db.ListModels(suite.ctx, inst.ID)
	suite.Require().NoError(err)
	suite.Len(models, 1)

	suite.Require().NoError(suite.db.DeleteInstance(suite.ctx, inst.ID))
	models, err = suite.db.ListModels(suite.ctx, inst.ID)
	suite.Require().NoError(err)
	suite.Empty(models)
}

func (suite *StoreTestSuite) TestSettingsRoundTrip() {
	_, ok, err := suite.db.GetSetting(suite.ctx, "k")
	suite.Require().NoError(err)
	suite.False(ok)

	suite.Require().NoError(suite.db.SetSetting(suite.ctx, "k", "v1"))
	suite.Require().NoError(suite.db.SetSetting(suite.ctx, "k", "v2"))

	v, ok, err := suite.db.GetSetting(suite.ctx, "k")
	suite.Require().NoError(err)
	suite.True(ok)
	suite.Equal("v2", v)
}
