// Package mocks provides test doubles for the keywordplanner client.
package mocks

import (
	"context"

	keywordplanner "github.com/sells-group/aio-analyzer/pkg/keywordplanner"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// GenerateIdeas provides a mock function with given fields: ctx, req
func (_m *MockClient) GenerateIdeas(ctx context.Context, req keywordplanner.IdeaRequest) ([]keywordplanner.Idea, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for GenerateIdeas")
	}

	var r0 []keywordplanner.Idea
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, keywordplanner.IdeaRequest) ([]keywordplanner.Idea, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, keywordplanner.IdeaRequest) []keywordplanner.Idea); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]keywordplanner.Idea)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, keywordplanner.IdeaRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
