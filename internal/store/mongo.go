package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"homeworkhelper/internal/models"
	"homeworkhelper/internal/utils"
)

const (
	questionsCollection = "questions"
	votesCollection     = "votes"
)

// MongoBackend MongoDB 实现。计数与分数通过聚合管道更新在一次 findOneAndUpdate 中完成。
type MongoBackend struct {
	client    *mongo.Client
	questions *mongoQuestions
	votes     *mongoVotes
}

// ConnectMongo 连接并确保索引存在
func ConnectMongo(ctx context.Context, uri, database string, now utils.Clock) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	b := NewMongo(client.Database(database), now)
	b.client = client
	if err := b.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return b, nil
}

func NewMongo(db *mongo.Database, now utils.Clock) *MongoBackend {
	now = clockOrDefault(now)
	return &MongoBackend{
		client:    db.Client(),
		questions: &mongoQuestions{coll: db.Collection(questionsCollection), now: now},
		votes:     &mongoVotes{coll: db.Collection(votesCollection), now: now},
	}
}

func (b *MongoBackend) Questions() QuestionStore { return b.questions }
func (b *MongoBackend) Votes() VoteLedger        { return b.votes }

func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// EnsureIndexes 创建 {userId, questionId} 唯一索引以及列表排序索引
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := b.votes.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "questionId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "questionId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create vote indexes: %w", err)
	}

	_, err = b.questions.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "trendingScore", Value: -1}}},
		{Keys: bson.D{{Key: "trendingScore", Value: -1}}},
		{Keys: bson.D{{Key: "upvotes", Value: -1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create question indexes: %w", err)
	}
	return nil
}

type mongoVotes struct {
	coll *mongo.Collection
	now  utils.Clock
}

func voteFilter(userID, questionID string) bson.D {
	return bson.D{{Key: "userId", Value: userID}, {Key: "questionId", Value: questionID}}
}

func (s *mongoVotes) Exists(ctx context.Context, userID, questionID string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, voteFilter(userID, questionID), options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return n > 0, nil
}

func (s *mongoVotes) Insert(ctx context.Context, userID, questionID string) error {
	_, err := s.coll.InsertOne(ctx, models.Vote{
		UserID:     userID,
		QuestionID: questionID,
		CreatedAt:  s.now(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateVote
	}
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

func (s *mongoVotes) Remove(ctx context.Context, userID, questionID string) (*models.Vote, error) {
	var vote models.Vote
	err := s.coll.FindOneAndDelete(ctx, voteFilter(userID, questionID)).Decode(&vote)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete vote: %w", err)
	}
	return &vote, nil
}

func (s *mongoVotes) VotedOn(ctx context.Context, userID string, questionIDs []string) (map[string]bool, error) {
	voted := make(map[string]bool, len(questionIDs))
	if userID == "" || len(questionIDs) == 0 {
		return voted, nil
	}
	filter := bson.D{
		{Key: "userId", Value: userID},
		{Key: "questionId", Value: bson.D{{Key: "$in", Value: questionIDs}}},
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "questionId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}
	var votes []models.Vote
	if err := cur.All(ctx, &votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	for _, v := range votes {
		voted[v.QuestionID] = true
	}
	return voted, nil
}

func (s *mongoVotes) Counts(ctx context.Context) (map[string]int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$questionId"},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count votes: %w", err)
	}
	var rows []struct {
		QuestionID string `bson:"_id"`
		N          int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode vote counts: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.QuestionID] = r.N
	}
	return counts, nil
}

type mongoQuestions struct {
	coll *mongo.Collection
	now  utils.Clock
}

func (s *mongoQuestions) Create(ctx context.Context, q *models.Question) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	now := s.now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.Tags == nil {
		q.Tags = []string{}
	}
	q.UpdatedAt = now
	q.Upvotes = 0
	q.TrendingScore = 0
	if _, err := s.coll.InsertOne(ctx, q); err != nil {
		return fmt.Errorf("create question: %w", err)
	}
	return nil
}

func (s *mongoQuestions) Get(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&q)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get question: %w", err)
	}
	return &q, nil
}

func (s *mongoQuestions) SetAnswer(ctx context.Context, id, answer string) error {
	res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: bson.D{
		{Key: "aiAnswer", Value: models.TruncateAnswer(answer)},
		{Key: "updatedAt", Value: s.now()},
	}}})
	if err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrQuestionNotFound
	}
	return nil
}

func (s *mongoQuestions) IncrementVotes(ctx context.Context, id string) (*models.Question, error) {
	return s.mutateUpvotes(ctx, id, bson.D{{Key: "$add", Value: bson.A{"$upvotes", 1}}})
}

func (s *mongoQuestions) DecrementVotes(ctx context.Context, id string) (*models.Question, error) {
	return s.mutateUpvotes(ctx, id, bson.D{{Key: "$max", Value: bson.A{0, bson.D{{Key: "$subtract", Value: bson.A{"$upvotes", 1}}}}}})
}

func (s *mongoQuestions) SetUpvotes(ctx context.Context, id string, upvotes int) (*models.Question, error) {
	if upvotes < 0 {
		upvotes = 0
	}
	return s.mutateUpvotes(ctx, id, bson.D{{Key: "$literal", Value: upvotes}})
}

// mutateUpvotes 两个 $set 阶段：先改计数，再用新计数和当前时刻计算
// upvotes / ((now - createdAt)/1h + timeOffset)^decayFactor
func (s *mongoQuestions) mutateUpvotes(ctx context.Context, id string, upvotesExpr bson.D) (*models.Question, error) {
	q, err := s.applyUpvotes(ctx, bson.D{{Key: "_id", Value: id}}, upvotesExpr, s.now())
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrQuestionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update upvotes: %w", err)
	}
	return q, nil
}

func (s *mongoQuestions) applyUpvotes(ctx context.Context, filter bson.D, upvotesExpr bson.D, now time.Time) (*models.Question, error) {
	ageHours := bson.D{{Key: "$max", Value: bson.A{0, bson.D{{Key: "$divide", Value: bson.A{
		bson.D{{Key: "$subtract", Value: bson.A{now, "$createdAt"}}},
		float64(time.Hour / time.Millisecond),
	}}}}}}
	score := bson.D{{Key: "$divide", Value: bson.A{
		"$upvotes",
		bson.D{{Key: "$pow", Value: bson.A{
			bson.D{{Key: "$add", Value: bson.A{ageHours, utils.DefaultConfig.TimeOffset}}},
			utils.DefaultConfig.DecayFactor,
		}}},
	}}}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "upvotes", Value: upvotesExpr}, {Key: "updatedAt", Value: now}}}},
		{{Key: "$set", Value: bson.D{{Key: "trendingScore", Value: score}}}},
	}

	var q models.Question
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&q)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// RecountUpvotes 先数台账再查最近写入：在计数之前插入、尚未加计数的票一定会被近期检查拦下，
// 计数之后插入的票不在 n 里，它随后的 +1 落在修正值之上
func (s *mongoQuestions) RecountUpvotes(ctx context.Context, id string, observed int, grace time.Duration) (*models.Question, bool, error) {
	now := s.now()
	quietSince := now.Add(-grace)
	votes := s.coll.Database().Collection(votesCollection)

	n, err := votes.CountDocuments(ctx, bson.D{{Key: "questionId", Value: id}})
	if err != nil {
		return nil, false, fmt.Errorf("count votes: %w", err)
	}
	if int(n) == observed {
		return nil, false, nil
	}
	recent, err := votes.CountDocuments(ctx, bson.D{
		{Key: "questionId", Value: id},
		{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: quietSince}}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return nil, false, fmt.Errorf("check recent votes: %w", err)
	}
	if recent > 0 {
		return nil, false, nil
	}

	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "upvotes", Value: observed},
		{Key: "updatedAt", Value: bson.D{{Key: "$lt", Value: quietSince}}},
	}
	q, err := s.applyUpvotes(ctx, filter, bson.D{{Key: "$literal", Value: n}}, now)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("recount upvotes: %w", err)
	}
	return q, true, nil
}

func (s *mongoQuestions) List(ctx context.Context, q models.ListQuery) ([]models.Question, int64, error) {
	filter := bson.D{}
	if q.Subject != "" {
		filter = append(filter, bson.E{Key: "subject", Value: q.Subject})
	}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count questions: %w", err)
	}

	opts := options.Find().
		SetSort(mongoSort(q.Sort)).
		SetSkip(int64(q.Offset())).
		SetLimit(int64(q.PageSize))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list questions: %w", err)
	}
	items := make([]models.Question, 0, q.PageSize)
	if err := cur.All(ctx, &items); err != nil {
		return nil, 0, fmt.Errorf("decode questions: %w", err)
	}
	return items, total, nil
}

func (s *mongoQuestions) Tallies(ctx context.Context) ([]models.VoteTally, error) {
	cur, err := s.coll.Find(ctx, bson.D{}, options.Find().SetProjection(bson.D{{Key: "upvotes", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load tallies: %w", err)
	}
	var rows []struct {
		ID      string `bson:"_id"`
		Upvotes int    `bson:"upvotes"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode tallies: %w", err)
	}
	tallies := make([]models.VoteTally, len(rows))
	for i, r := range rows {
		tallies[i] = models.VoteTally{QuestionID: r.ID, Upvotes: r.Upvotes}
	}
	return tallies, nil
}

func mongoSort(mode models.SortMode) bson.D {
	switch mode {
	case models.SortRecent:
		return bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}
	case models.SortVotes:
		return bson.D{{Key: "upvotes", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}
	default:
		return bson.D{{Key: "trendingScore", Value: -1}, {Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}
	}
}
