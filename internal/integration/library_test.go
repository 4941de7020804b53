package integration

import (
	"context"
	"database/sql"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"imagecore/internal/blob"
	"imagecore/internal/cache"
	"imagecore/internal/infra/persistence/memory"
	"imagecore/internal/infra/persistence/postgres"
	"imagecore/internal/infra/persistence/postgres/testutil"
	"imagecore/internal/infra/persistence/sqlite"
	"imagecore/internal/library"
	"imagecore/internal/model"
	"imagecore/internal/persistence"
	"imagecore/pkg/ndarray"
)

type backend struct {
	props persistence.Store
	blobs blob.Store
}

func memoryBackend() backend {
	return backend{props: memory.NewStore(), blobs: blob.NewMemory()}
}

func sqliteFilesystemBackend() backend {
	dir := GinkgoT().TempDir()
	props, err := sqlite.NewStore(filepath.Join(dir, "library.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(props.Close)
	blobs, err := blob.NewFilesystem(filepath.Join(dir, "blobs"))
	Expect(err).NotTo(HaveOccurred())
	return backend{props: props, blobs: blobs}
}

func postgresS3Backend() backend {
	db, _ := testutil.NewStubDB()
	DeferCleanup(postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil }))
	props, err := postgres.NewStore(context.Background(), "")
	Expect(err).NotTo(HaveOccurred())
	return backend{props: props, blobs: blob.NewMockS3ForTests()}
}

func array(values ...float64) *ndarray.Array {
	a, err := ndarray.FromFloat64([]int{len(values)}, values)
	Expect(err).NotTo(HaveOccurred())
	return a
}

var _ = Describe("Library round trip", func() {
	DescribeTable("stores, reloads and releases buffers",
		func(open func() backend) {
			ctx := context.Background()
			b := open()
			doc := library.NewDocument(library.NewContext(ctx, b.props, b.blobs), library.WithStorageCache(cache.NewMemory()))

			item, err := model.NewDataItem(array(1, 2, 3, 4))
			Expect(err).NotTo(HaveOccurred())
			item.SetTitle("spectrum")
			Expect(doc.AppendDataItem(item)).To(Succeed())

			derived, err := model.NewDataItem(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(doc.AppendDataItem(derived)).To(Succeed())
			derived.AppendDataItem(item)

			By("acquiring live data inside a transaction")
			tx := item.BeginTransaction()
			item.EnterLiveState()
			Expect(item.PrimaryDataSource().SetData(array(5, 6, 7, 8))).To(Succeed())
			Expect(doc.Context().IsHeld(item.PrimaryDataSource().UUID())).To(BeTrue())
			item.ExitLiveState()
			Expect(tx.End()).To(Succeed())
			Expect(doc.Context().IsHeld(item.PrimaryDataSource().UUID())).To(BeFalse())
			Expect(item.PrimaryDataSource().IsDataLoaded()).To(BeFalse())

			By("reloading into a fresh document")
			restored := library.NewDocument(library.NewContext(ctx, b.props, b.blobs))
			report, err := restored.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.OK()).To(BeTrue())
			Expect(report.Loaded).To(Equal(2))

			got := restored.Lookup(item.UUID())
			Expect(got).NotTo(BeNil())
			Expect(got.Title()).To(Equal("spectrum"))
			ref := restored.Lookup(derived.UUID())
			Expect(ref.DataItems()).To(ConsistOf(got))
			Expect(restored.CountedDataItems()[got]).To(Equal(2))

			By("bringing the buffer back through the referencing item")
			Expect(ref.IncrementDataRefCounts()).To(Succeed())
			Expect(got.PrimaryDataSource().ResidentData().Equal(array(5, 6, 7, 8))).To(BeTrue())
			ref.DecrementDataRefCounts()
			Expect(got.PrimaryDataSource().IsDataLoaded()).To(BeFalse())

			By("removing the source item")
			Expect(restored.RemoveDataItem(got)).To(Succeed())
			Expect(ref.DataItems()).To(BeEmpty())
			_, err = b.props.Load(ctx, item.UUID())
			Expect(err).To(MatchError(persistence.ErrNotFound))
			_, err = b.blobs.Head(ctx, library.BufferKey(item.PrimaryDataSource().UUID()))
			Expect(err).To(MatchError(blob.ErrNotFound))
		},
		Entry("memory properties with memory blobs", memoryBackend),
		Entry("sqlite properties with filesystem blobs", sqliteFilesystemBackend),
		Entry("postgres properties with s3 blobs", postgresS3Backend),
	)
})

var _ = Describe("Failed buffer loads", func() {
	It("reports a LoadError and leaves the buffer unloaded", func() {
		ctx := context.Background()
		b := memoryBackend()
		doc := library.NewDocument(library.NewContext(ctx, b.props, b.blobs))
		item, err := model.NewDataItem(array(1, 2))
		Expect(err).NotTo(HaveOccurred())
		Expect(doc.AppendDataItem(item)).To(Succeed())
		s := item.PrimaryDataSource()
		_, err = s.IncrementDataRefCount()
		Expect(err).NotTo(HaveOccurred())
		s.DecrementDataRefCount()

		_, err = b.blobs.Delete(ctx, library.BufferKey(s.UUID()))
		Expect(err).NotTo(HaveOccurred())

		_, err = s.IncrementDataRefCount()
		var le *model.LoadError
		Expect(err).To(BeAssignableToTypeOf(le))
		Expect(err).To(MatchError(model.ErrLoad))
		Expect(s.DataRefCount()).To(BeZero())
		Expect(s.IsDataLoaded()).To(BeFalse())
	})
})
