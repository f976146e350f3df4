package db

import (
	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/mock"

	"github.com/akaBetsy/cpss/pkg/types"
)

type MockOperation struct {
	mock.Mock
}

type PutCVERecordArgs struct {
	Tx             *bolt.Tx
	TxAnything     bool
	Record         types.CVERecord
	RecordAnything bool
}

type PutCVERecordExpectation struct {
	Args    PutCVERecordArgs
	Returns error
}

func (_m *MockOperation) ApplyPutCVERecordExpectation(e PutCVERecordExpectation) {
	var args []interface{}
	if e.Args.TxAnything {
		args = append(args, mock.Anything)
	} else {
		args = append(args, e.Args.Tx)
	}
	if e.Args.RecordAnything {
		args = append(args, mock.Anything)
	} else {
		args = append(args, e.Args.Record)
	}
	_m.On("PutCVERecord", args...).Return(e.Returns)
}

func (_m *MockOperation) ApplyPutCVERecordExpectations(expectations []PutCVERecordExpectation) {
	for _, e := range expectations {
		_m.ApplyPutCVERecordExpectation(e)
	}
}

func (_m *MockOperation) BatchUpdate(fn func(tx *bolt.Tx) error) error {
	ret := _m.Called(fn)
	return ret.Error(0)
}

func (_m *MockOperation) PutCVERecord(tx *bolt.Tx, record types.CVERecord) error {
	ret := _m.Called(tx, record)
	return ret.Error(0)
}

func (_m *MockOperation) GetCVERecord(cveID string) (types.CVERecord, error) {
	ret := _m.Called(cveID)
	return ret.Get(0).(types.CVERecord), ret.Error(1)
}

func (_m *MockOperation) CVEIDs() ([]string, error) {
	ret := _m.Called()
	ids, _ := ret.Get(0).([]string)
	return ids, ret.Error(1)
}

func (_m *MockOperation) ForEachCVERecord(fn func(record types.CVERecord) error) error {
	ret := _m.Called(fn)
	return ret.Error(0)
}

func (_m *MockOperation) SetMetadata(metadata Metadata) error {
	ret := _m.Called(metadata)
	return ret.Error(0)
}
